// Package scheduler drives the periodic jobs (orchestrator cycle, monitoring
// loop) from a single ticker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one periodic task. Interval is read on every tick so runtime
// configuration changes take effect without re-registering; a non-positive
// interval disables the job.
type Job struct {
	Name     string
	Interval func() time.Duration
	Run      func(ctx context.Context)
}

type entry struct {
	Job
	next time.Time
	busy atomic.Bool
	runs atomic.Int64
}

// Scheduler runs registered jobs when due. A job never overlaps itself.
type Scheduler struct {
	tick   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    []*entry
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler polling every tick.
func New(tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tick: tick, logger: logger, now: time.Now}
}

// SetClock overrides the time source (tests).
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Add registers a job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval == nil {
		return errors.New("scheduler job needs a name, interval and run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.Name == job.Name {
			return fmt.Errorf("scheduler job %q already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, &entry{Job: job})
	return nil
}

// Runs reports how many times the named job has started.
func (s *Scheduler) Runs(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.Name == name {
			return e.runs.Load()
		}
	}
	return 0
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll starts every due job that is not already running.
func (s *Scheduler) Poll(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	jobs := append([]*entry(nil), s.jobs...)
	s.mu.Unlock()

	for _, e := range jobs {
		interval := e.Interval()
		if interval <= 0 {
			e.next = time.Time{}
			continue
		}
		if !e.next.IsZero() && now.Before(e.next) {
			continue
		}
		if !e.busy.CompareAndSwap(false, true) {
			s.logger.Debug("scheduler job still running", slog.String("job", e.Name))
			continue
		}
		e.next = now.Add(interval)
		e.runs.Add(1)
		s.wg.Add(1)
		go s.run(ctx, e)
	}
}

// Wait blocks until every started job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer e.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler job panicked",
				slog.String("job", e.Name),
				slog.Any("panic", r),
			)
		}
	}()
	e.Run(ctx)
}
