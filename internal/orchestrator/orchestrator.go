// Package orchestrator runs the Observe→Orient→Decide→Act cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/decision"
	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/observe"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/statemachine"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

const tracerName = "github.com/miradorstack/mirador-autopilot/internal/orchestrator"

// ActionExecutionError reports a failed platform action. The attempt is recorded as
// a failed ActionRecord and follow-up decisions are queued for the next cycle.
type ActionExecutionError struct {
	Action models.ActionType
	Target models.Target
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Action, e.Target, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// Admission is the gate's answer for one decision.
type Admission struct {
	// Execute is true when the decision may run now; Record is its reserved trail entry.
	Execute   bool
	Record    models.ActionRecord
	Routing   models.Routing
	BlockedBy []string
}

// Gate decides, per decision and at the moment it is reached, whether Act may run it.
type Gate interface {
	ScoreContext() decision.ScoreContext
	Admit(ctx context.Context, cycleID string, d models.Decision) Admission
}

// Outcome describes what happened to one decision in the Act phase.
type Outcome struct {
	Decision  models.Decision
	Routing   models.Routing
	BlockedBy []string
	Record    *models.ActionRecord
	Err       error
}

// CycleReport is returned by RunCycle.
type CycleReport struct {
	ID        string
	World     models.WorldSummary
	Decisions []models.Decision
	Outcomes  []Outcome
	Duration  time.Duration
}

// Executed returns the outcomes whose action ran successfully.
func (r CycleReport) Executed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Routing == models.RoutingExecuted {
			out = append(out, o)
		}
	}
	return out
}

// Orchestrator owns the cycle phases. Act is serialized per target.
type Orchestrator struct {
	builder  *observe.Builder
	engine   *decision.Engine
	router   *platform.Router
	machines *statemachine.Manager
	trail    *audit.Trail
	logger   *slog.Logger
	tracer   trace.Tracer
	latency  *utils.LatencyTracker

	cycleMu sync.Mutex

	mu        sync.Mutex
	followUps []models.Decision
	aliases   map[string]string
	locks     map[string]*sync.Mutex
}

// New constructs an Orchestrator.
func New(builder *observe.Builder, engine *decision.Engine, router *platform.Router, machines *statemachine.Manager, trail *audit.Trail, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = decision.NewEngine(nil, logger)
	}
	if machines == nil {
		machines = statemachine.NewManager(logger, nil)
	}
	if trail == nil {
		trail = audit.NewTrail(0, nil, logger)
	}
	return &Orchestrator{
		builder:  builder,
		engine:   engine,
		router:   router,
		machines: machines,
		trail:    trail,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		latency:  utils.NewLatencyTracker(256),
		aliases:  make(map[string]string),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Machines exposes the deployment state machine manager.
func (o *Orchestrator) Machines() *statemachine.Manager { return o.machines }

// Latency exposes recent cycle durations.
func (o *Orchestrator) Latency() *utils.LatencyTracker { return o.latency }

// RunCycle performs one full pass. Cycles never overlap; a second caller waits.
func (o *Orchestrator) RunCycle(ctx context.Context, gate Gate) (CycleReport, error) {
	if gate == nil {
		return CycleReport{}, errors.New("orchestrator: gate is required")
	}
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := time.Now()
	report := CycleReport{ID: uuid.NewString()}
	ctx, span := o.tracer.Start(ctx, "autopilot.cycle", trace.WithAttributes(attribute.String("cycle.id", report.ID)))
	defer span.End()

	world := o.Observe(ctx)
	report.World = world.Summarize()

	report.Decisions = o.Decide(ctx, world, gate.ScoreContext())
	report.Outcomes = o.Act(ctx, report.ID, report.Decisions, gate)

	report.Duration = time.Since(start)
	o.latency.Observe(report.Duration)

	outcome := metrics.OutcomeSuccess
	if len(world.DegradedSources) > 0 && len(world.DegradedSources) == len(world.Observations) {
		outcome = metrics.OutcomeError
		span.SetStatus(codes.Error, "every source failed")
	}
	metrics.ObserveCycle(report.Duration, outcome)

	o.logger.Info("cycle complete",
		slog.String("cycle_id", report.ID),
		slog.Int("decisions", len(report.Decisions)),
		slog.Int("executed", len(report.Executed())),
		slog.Int("degraded_sources", len(world.DegradedSources)),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

// Observe builds the world model and reconciles tracked deployments with it.
func (o *Orchestrator) Observe(ctx context.Context) models.WorldModel {
	ctx, span := o.tracer.Start(ctx, "autopilot.observe")
	defer span.End()

	var world models.WorldModel
	if o.builder != nil {
		world = o.builder.Build(ctx)
	} else {
		world = models.WorldModel{Timestamp: time.Now().UTC(), Observations: map[string]models.Observation{}}
	}
	span.SetAttributes(
		attribute.Int("sources", len(world.Observations)),
		attribute.Int("degraded_sources", len(world.DegradedSources)),
	)
	o.syncDeployments(ctx, world)
	return world
}

// Decide runs orient and decide, consuming follow-ups queued by earlier failures.
func (o *Orchestrator) Decide(ctx context.Context, world models.WorldModel, sc decision.ScoreContext) []models.Decision {
	_, span := o.tracer.Start(ctx, "autopilot.decide")
	defer span.End()

	o.mu.Lock()
	followUps := o.followUps
	o.followUps = nil
	o.mu.Unlock()

	decisions := o.engine.Decide(world, followUps, sc)
	span.SetAttributes(attribute.Int("decisions", len(decisions)), attribute.Int("follow_ups", len(followUps)))
	return decisions
}

// Act walks decisions in order, asking gate for each one just before it would run.
func (o *Orchestrator) Act(ctx context.Context, cycleID string, decisions []models.Decision, gate Gate) []Outcome {
	ctx, span := o.tracer.Start(ctx, "autopilot.act")
	defer span.End()

	outcomes := make([]Outcome, 0, len(decisions))
	for _, d := range decisions {
		adm := gate.Admit(ctx, cycleID, d)
		if !adm.Execute {
			outcomes = append(outcomes, Outcome{Decision: d, Routing: adm.Routing, BlockedBy: adm.BlockedBy})
			continue
		}
		rec, err := o.Execute(ctx, d, adm.Record)
		out := Outcome{Decision: d, Routing: models.RoutingExecuted, Record: &rec, Err: err}
		if err != nil {
			out.Routing = models.RoutingFailed
			span.RecordError(err)
		}
		outcomes = append(outcomes, out)
	}
	span.SetAttributes(attribute.Int("outcomes", len(outcomes)))
	return outcomes
}

// FollowUps returns the decisions queued for the next cycle.
func (o *Orchestrator) FollowUps() []models.Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Decision(nil), o.followUps...)
}

func (o *Orchestrator) enqueueFollowUps(decisions ...models.Decision) {
	o.mu.Lock()
	o.followUps = append(o.followUps, decisions...)
	o.mu.Unlock()
}

func (o *Orchestrator) targetLock(key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[key] = lock
	}
	return lock
}
