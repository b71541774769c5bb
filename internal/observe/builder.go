// Package observe builds the per-cycle World Model from platform sources.
package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
)

// TransientSourceError records one failed platform read. It never escapes Build;
// it is flattened onto the source's Observation.
type TransientSourceError struct {
	Source string
	Err    error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// Builder reads every source concurrently and assembles a WorldModel.
type Builder struct {
	sources []platform.Source
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewBuilder constructs a Builder with a per-source timeout.
func NewBuilder(sources []platform.Source, timeout time.Duration, logger *slog.Logger) *Builder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{sources: sources, timeout: timeout, logger: logger, now: time.Now}
}

// SetClock overrides the time source (tests).
func (b *Builder) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Build observes all sources. One slow or failing source never blocks or fails the
// others; Build returns only after every call has resolved or timed out.
func (b *Builder) Build(ctx context.Context) models.WorldModel {
	observations := make([]models.Observation, len(b.sources))
	g, gCtx := errgroup.WithContext(ctx)
	for i, src := range b.sources {
		i, src := i, src
		g.Go(func() error {
			observations[i] = b.observeOne(gCtx, src)
			return nil
		})
	}
	_ = g.Wait()

	world := models.WorldModel{
		Timestamp:    b.now().UTC(),
		Observations: make(map[string]models.Observation, len(observations)),
	}
	for _, obs := range observations {
		world.Observations[obs.Source] = obs
		if !obs.OK() {
			world.DegradedSources = append(world.DegradedSources, obs.Source)
		}
	}
	sort.Strings(world.DegradedSources)
	world.FailureStreaks = deploymentFailureStreaks(world.AllDeployments())
	world.WorkflowStreaks = workflowFailureStreaks(world.AllWorkflowRuns())
	world.DegradedServices = degradedServices(world.AllServices())
	return world
}

func (b *Builder) observeOne(ctx context.Context, src platform.Source) models.Observation {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	fields, err := src.Observe(ctx)
	obs := models.Observation{Source: src.Name(), CapturedAt: b.now().UTC()}
	if err != nil {
		serr := &TransientSourceError{Source: src.Name(), Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			serr.Err = fmt.Errorf("timed out after %s: %w", b.timeout, err)
		}
		obs.Err = serr.Error()
		obs.Fields = map[string]any{}
		b.logger.Warn("observation failed", slog.String("source", src.Name()), slog.Any("error", serr))
		return obs
	}
	if fields == nil {
		fields = map[string]any{}
	}
	obs.Fields = fields
	return obs
}

// deploymentFailureStreaks counts consecutive most-recent failed deployments per
// service. In-flight deployments are skipped; any other settled status ends the streak.
func deploymentFailureStreaks(deployments []models.DeploymentSnapshot) map[string]int {
	byService := make(map[string][]models.DeploymentSnapshot)
	for _, d := range deployments {
		byService[d.Service] = append(byService[d.Service], d)
	}
	streaks := make(map[string]int)
	for service, list := range byService {
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
		count := 0
		for _, d := range list {
			if d.InFlight() {
				continue
			}
			if d.Status != models.DeploymentFailed {
				break
			}
			count++
		}
		if count > 0 {
			streaks[service] = count
		}
	}
	return streaks
}

// workflowFailureStreaks counts consecutive most-recent failed runs per workflow.
// Runs without a conclusion are still running and are skipped.
func workflowFailureStreaks(runs []models.WorkflowRunSnapshot) map[string]int {
	byWorkflow := make(map[string][]models.WorkflowRunSnapshot)
	for _, r := range runs {
		byWorkflow[r.Workflow] = append(byWorkflow[r.Workflow], r)
	}
	streaks := make(map[string]int)
	for workflow, list := range byWorkflow {
		sort.SliceStable(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })
		count := 0
		for _, r := range list {
			if r.Conclusion == "" {
				continue
			}
			if !r.Failed() {
				break
			}
			count++
		}
		if count > 0 {
			streaks[workflow] = count
		}
	}
	return streaks
}

func degradedServices(services []models.ServiceSnapshot) []string {
	var out []string
	for _, s := range services {
		if s.Status != "" && s.Status != models.ServiceHealthy {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}
