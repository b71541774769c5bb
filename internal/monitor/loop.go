// Package monitor runs the periodic metrics collection loop that feeds the
// anomaly detector and the response integrator.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/response"
)

// State is the lifecycle state of the loop.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateError    State = "ERROR"
)

// AllStates lists every state, used to reset the state gauge.
func AllStates() []string {
	return []string{string(StateStopped), string(StateStarting), string(StateRunning), string(StatePaused), string(StateError)}
}

// ErrRejected is matched by TransitionError.
var ErrRejected = errors.New("monitoring transition rejected")

// TransitionError reports a lifecycle request that is not legal from the current state.
type TransitionError struct {
	Op   string
	From State
	Hint string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s monitoring while %s", e.Op, e.From)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *TransitionError) Is(target error) bool { return target == ErrRejected }

// Outcome reports what a lifecycle request did. Changed is false for no-ops.
type Outcome struct {
	Changed bool
	From    State
	To      State
	Message string
}

// Detector scores one sample.
type Detector interface {
	Observe(sample models.MetricSample) (models.MLAnomaly, bool)
}

// AnomalyHandler receives flagged samples. *response.Integrator implements it.
type AnomalyHandler interface {
	Handle(ctx context.Context, anomaly models.MLAnomaly) (response.Response, error)
	Reset(target, metric string)
}

// Config tunes the loop.
type Config struct {
	Interval         time.Duration
	EndpointTimeout  time.Duration
	HistorySize      int
	ErrorThreshold   int
	ErrorCooldown    time.Duration
	AnomalyDetection bool
}

func (c *Config) normalise() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.EndpointTimeout <= 0 {
		c.EndpointTimeout = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.ErrorCooldown < 0 {
		c.ErrorCooldown = 0
	}
}

// Snapshot is one collection from one endpoint.
type Snapshot struct {
	Endpoint string
	Target   string
	At       time.Time
	Metrics  map[string]float64
	Err      string
}

// Stats summarises the loop for get-status.
type Stats struct {
	State                State
	Interval             time.Duration
	AnomalyDetection     bool
	Endpoints            int
	CollectionsAttempted int64
	CollectionsSucceeded int64
	CollectionsFailed    int64
	AnomaliesDetected    int64
	SelfHealingTriggered int64
	ConsecutiveErrors    int
	LastCollection       time.Time
	AutoResumeAt         time.Time
	LastError            string
}

// CollectionResult is what one Collect call produced.
type CollectionResult struct {
	At        time.Time
	Snapshots []Snapshot
	Anomalies []models.MLAnomaly
	Triggered int
}

// Loop is the monitoring loop. Lifecycle requests and Tick are safe for concurrent use.
type Loop struct {
	collectors []platform.MetricsCollector
	detector   Detector
	handler    AnomalyHandler
	logger     *slog.Logger
	now        func() time.Time

	collectMu sync.Mutex

	mu           sync.Mutex
	cfg          Config
	state        State
	stats        Stats
	autoResumeAt time.Time
	history      map[string][]Snapshot
}

// New constructs a stopped loop. handler may be nil to collect without responding.
func New(collectors []platform.MetricsCollector, detector Detector, handler AnomalyHandler, cfg Config, logger *slog.Logger) *Loop {
	cfg.normalise()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		collectors: collectors,
		detector:   detector,
		handler:    handler,
		logger:     logger,
		now:        time.Now,
		cfg:        cfg,
		state:      StateStopped,
		history:    make(map[string][]Snapshot),
	}
	metrics.SetMonitorState(string(StateStopped), AllStates())
	return l
}

// SetClock overrides the time source (tests).
func (l *Loop) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Interval is the collection period. The scheduler reads it on every tick.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Interval
}

// SetInterval changes the collection period. Range checks belong to the caller.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.cfg.Interval = d
	l.mu.Unlock()
}

// AnomalyDetection reports whether samples are scored.
func (l *Loop) AnomalyDetection() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.AnomalyDetection
}

// SetAnomalyDetection toggles scoring of collected samples.
func (l *Loop) SetAnomalyDetection(enabled bool) {
	l.mu.Lock()
	l.cfg.AnomalyDetection = enabled
	l.mu.Unlock()
}

// Start moves STOPPED through STARTING to RUNNING. Starting a running loop is a no-op.
func (l *Loop) Start() (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := l.state
	switch from {
	case StateRunning, StateStarting:
		return Outcome{From: from, To: from, Message: "monitoring already running"}, nil
	case StatePaused, StateError:
		return Outcome{From: from, To: from}, &TransitionError{Op: "start", From: from, Hint: "use resume"}
	}
	l.setStateLocked(StateStarting)
	l.stats.ConsecutiveErrors = 0
	l.autoResumeAt = time.Time{}
	l.setStateLocked(StateRunning)
	return Outcome{Changed: true, From: from, To: StateRunning, Message: "monitoring started"}, nil
}

// Stop moves any state to STOPPED. An in-flight collection finishes first.
func (l *Loop) Stop() (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := l.state
	if from == StateStopped {
		return Outcome{From: from, To: from, Message: "monitoring already stopped"}, nil
	}
	l.autoResumeAt = time.Time{}
	l.setStateLocked(StateStopped)
	return Outcome{Changed: true, From: from, To: StateStopped, Message: "monitoring stopped"}, nil
}

// Pause moves RUNNING to PAUSED. Pausing a paused loop is a no-op.
func (l *Loop) Pause() (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := l.state
	switch from {
	case StatePaused:
		l.autoResumeAt = time.Time{}
		return Outcome{From: from, To: from, Message: "monitoring already paused"}, nil
	case StateRunning:
		l.setStateLocked(StatePaused)
		return Outcome{Changed: true, From: from, To: StatePaused, Message: "monitoring paused"}, nil
	}
	return Outcome{From: from, To: from}, &TransitionError{Op: "pause", From: from}
}

// Resume moves PAUSED or ERROR to RUNNING. Resuming a running loop is a no-op.
func (l *Loop) Resume() (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := l.state
	switch from {
	case StateRunning:
		return Outcome{From: from, To: from, Message: "monitoring already running"}, nil
	case StatePaused, StateError:
		l.autoResumeAt = time.Time{}
		l.stats.ConsecutiveErrors = 0
		l.setStateLocked(StateRunning)
		return Outcome{Changed: true, From: from, To: StateRunning, Message: "monitoring resumed"}, nil
	}
	return Outcome{From: from, To: from}, &TransitionError{Op: "resume", From: from, Hint: "use start"}
}

func (l *Loop) setStateLocked(next State) {
	if l.state == next {
		return
	}
	l.logger.Info("monitoring state changed",
		slog.String("from", string(l.state)),
		slog.String("to", string(next)),
	)
	l.state = next
	metrics.SetMonitorState(string(next), AllStates())
}

// Tick is the scheduler hook. It applies the ERROR cooldown, then collects when
// running. It returns whether a collection ran.
func (l *Loop) Tick(ctx context.Context) bool {
	l.mu.Lock()
	now := l.now()
	switch l.state {
	case StateError:
		l.autoResumeAt = now.Add(l.cfg.ErrorCooldown)
		l.setStateLocked(StatePaused)
		l.logger.Warn("monitoring paused after repeated collection failures",
			slog.Time("resume_at", l.autoResumeAt),
		)
		l.mu.Unlock()
		return false
	case StatePaused:
		if l.autoResumeAt.IsZero() || now.Before(l.autoResumeAt) {
			l.mu.Unlock()
			return false
		}
		l.autoResumeAt = time.Time{}
		l.stats.ConsecutiveErrors = 0
		l.setStateLocked(StateRunning)
	case StateRunning:
	default:
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	l.Collect(ctx)
	return true
}

// Collect reads every endpoint concurrently, each bounded by the endpoint timeout,
// then scores the samples. A failing endpoint never affects the others.
func (l *Loop) Collect(ctx context.Context) CollectionResult {
	l.collectMu.Lock()
	defer l.collectMu.Unlock()

	l.mu.Lock()
	timeout := l.cfg.EndpointTimeout
	detect := l.cfg.AnomalyDetection
	l.mu.Unlock()

	at := l.now().UTC()
	snapshots := make([]Snapshot, len(l.collectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range l.collectors {
		i, c := i, c
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			snap := Snapshot{Endpoint: c.Name(), Target: c.Target(), At: at}
			values, err := c.Collect(callCtx)
			if err != nil {
				snap.Err = err.Error()
				l.logger.Warn("metrics collection failed",
					slog.String("endpoint", c.Name()),
					slog.Any("error", err),
				)
			} else {
				snap.Metrics = values
			}
			snapshots[i] = snap
			return nil
		})
	}
	_ = g.Wait()

	result := CollectionResult{At: at, Snapshots: snapshots}
	failed := l.record(snapshots)
	if detect && l.detector != nil {
		for _, snap := range snapshots {
			if snap.Err != "" {
				continue
			}
			l.score(ctx, snap, &result)
		}
	}
	if failed > 0 && failed == len(snapshots) {
		l.collectionFailed(snapshots)
	}
	return result
}

func (l *Loop) record(snapshots []Snapshot) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	failed := 0
	for _, snap := range snapshots {
		l.stats.CollectionsAttempted++
		if snap.Err != "" {
			failed++
			l.stats.CollectionsFailed++
			l.stats.LastError = fmt.Sprintf("%s: %s", snap.Endpoint, snap.Err)
			metrics.RecordCollection(metrics.OutcomeError)
		} else {
			l.stats.CollectionsSucceeded++
			metrics.RecordCollection(metrics.OutcomeSuccess)
		}
		h := append(l.history[snap.Endpoint], snap)
		if over := len(h) - l.cfg.HistorySize; over > 0 {
			h = append([]Snapshot(nil), h[over:]...)
		}
		l.history[snap.Endpoint] = h
	}
	if len(snapshots) > 0 {
		l.stats.LastCollection = snapshots[0].At
	}
	if failed < len(snapshots) {
		l.stats.ConsecutiveErrors = 0
	}
	return failed
}

func (l *Loop) collectionFailed(snapshots []Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.ConsecutiveErrors++
	if l.state == StateRunning && l.stats.ConsecutiveErrors >= l.cfg.ErrorThreshold {
		l.logger.Warn("monitoring error threshold reached",
			slog.Int("consecutive_errors", l.stats.ConsecutiveErrors),
			slog.Int("endpoints", len(snapshots)),
		)
		l.setStateLocked(StateError)
	}
}

func (l *Loop) score(ctx context.Context, snap Snapshot, result *CollectionResult) {
	names := make([]string, 0, len(snap.Metrics))
	for name := range snap.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sample := models.MetricSample{
			Endpoint:  snap.Endpoint,
			Target:    snap.Target,
			Metric:    name,
			Value:     snap.Metrics[name],
			Timestamp: snap.At,
		}
		anomaly, flagged := l.detector.Observe(sample)
		if !flagged {
			if l.handler != nil {
				l.handler.Reset(sample.Target, sample.Metric)
			}
			continue
		}
		result.Anomalies = append(result.Anomalies, anomaly)
		metrics.RecordAnomaly(string(anomaly.Severity))
		l.mu.Lock()
		l.stats.AnomaliesDetected++
		l.mu.Unlock()
		l.logger.Debug("anomaly detected",
			slog.String("target", anomaly.Target),
			slog.String("metric", anomaly.Metric),
			slog.Float64("value", anomaly.Value),
			slog.String("severity", string(anomaly.Severity)),
		)

		if l.handler == nil {
			continue
		}
		resp, err := l.handler.Handle(ctx, anomaly)
		if err != nil {
			l.logger.Warn("anomaly response failed",
				slog.String("target", anomaly.Target),
				slog.String("metric", anomaly.Metric),
				slog.Any("error", err),
			)
			continue
		}
		if resp.Triggered {
			result.Triggered++
			l.mu.Lock()
			l.stats.SelfHealingTriggered++
			l.mu.Unlock()
		}
	}
}

// Stats returns a copy of the loop statistics.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.State = l.state
	s.Interval = l.cfg.Interval
	s.AnomalyDetection = l.cfg.AnomalyDetection
	s.Endpoints = len(l.collectors)
	s.AutoResumeAt = l.autoResumeAt
	return s
}

// History returns the retained snapshots for endpoint, oldest first.
func (l *Loop) History(endpoint string) []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Snapshot(nil), l.history[endpoint]...)
}

// Recent returns the latest snapshot per endpoint, sorted by endpoint name.
func (l *Loop) Recent() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Snapshot, 0, len(l.history))
	for _, h := range l.history {
		if len(h) > 0 {
			out = append(out, h[len(h)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
