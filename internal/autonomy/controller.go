// Package autonomy gates decisions on confidence and guardrails, executes the ones
// that pass and queues the rest for approval.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/decision"
	"github.com/miradorstack/mirador-autopilot/internal/guardrails"
	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/orchestrator"
	"github.com/miradorstack/mirador-autopilot/internal/predict"
	"github.com/miradorstack/mirador-autopilot/internal/statemachine"
)

// BlockedConfidence marks decisions held back by the confidence threshold.
const BlockedConfidence = "confidence"

var errGuardrailBlocked = errors.New("guardrail blocked")

// Config seeds the controller.
type Config struct {
	ConfidenceThreshold float64
	RateLimit           int
	RateWindow          time.Duration
	BlastRadius         int
	BlastWindow         time.Duration
	SelfHealingEnabled  bool
	KillSwitch          bool
	MaxResolved         int
}

// Settings are the runtime-adjustable parts of Config.
type Settings struct {
	ConfidenceThreshold float64
	RateLimit           int
	BlastRadius         int
	SelfHealingEnabled  bool
}

// Status is the controller's contribution to get-status.
type Status struct {
	Guardrails          guardrails.Usage
	ConfidenceThreshold float64
	SelfHealingEnabled  bool
	PendingApprovals    int
	Trends              []predict.Trend
	RecentDecisions     []models.DecisionAudit
	ActiveDeployments   []statemachine.Snapshot
}

// Controller wraps the Orchestrator with the autonomy gate.
type Controller struct {
	orch      *orchestrator.Orchestrator
	engine    *decision.Engine
	trail     *audit.Trail
	decisions *audit.DecisionLog
	analyzer  *predict.Analyzer
	kill      *guardrails.KillSwitch
	queue     *queue
	logger    *slog.Logger

	mu          sync.RWMutex
	threshold   float64
	rate        guardrails.RateLimiter
	blast       guardrails.BlastRadiusLimiter
	selfHealing bool
}

// New constructs a Controller. engine must be the one the orchestrator decides with
// so self-healing requests are scored the same way.
func New(cfg Config, orch *orchestrator.Orchestrator, engine *decision.Engine, trail *audit.Trail, decisions *audit.DecisionLog, analyzer *predict.Analyzer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = decision.NewEngine(nil, logger)
	}
	if decisions == nil {
		decisions = audit.NewDecisionLog(0, nil, logger)
	}
	if analyzer == nil {
		analyzer = predict.NewAnalyzer(trail, 0, logger)
	}
	c := &Controller{
		orch:        orch,
		engine:      engine,
		trail:       trail,
		decisions:   decisions,
		analyzer:    analyzer,
		kill:        guardrails.NewKillSwitch(cfg.KillSwitch),
		queue:       newQueue(cfg.MaxResolved),
		logger:      logger,
		threshold:   cfg.ConfidenceThreshold,
		rate:        guardrails.RateLimiter{Limit: cfg.RateLimit, Window: cfg.RateWindow},
		blast:       guardrails.BlastRadiusLimiter{Limit: cfg.BlastRadius, Window: cfg.BlastWindow},
		selfHealing: cfg.SelfHealingEnabled,
	}
	metrics.SetKillSwitch(cfg.KillSwitch)
	return c
}

// RunCycle runs one Observe→Orient→Decide→Act pass through the gate.
func (c *Controller) RunCycle(ctx context.Context) (orchestrator.CycleReport, error) {
	report, err := c.orch.RunCycle(ctx, c)
	if err != nil {
		return report, err
	}
	for _, out := range report.Outcomes {
		if out.Routing == models.RoutingPendingApproval {
			continue
		}
		c.audit(ctx, report.ID, out.Decision, out.Routing, out.BlockedBy)
	}
	metrics.SetPendingApprovals(c.queue.len())
	return report, nil
}

// ScoreContext implements orchestrator.Gate.
func (c *Controller) ScoreContext() decision.ScoreContext {
	c.mu.RLock()
	blast := c.blast
	c.mu.RUnlock()
	return decision.ScoreContext{
		BlastBudget: blast.Remaining(c.trail.Records(), c.trail.Now()),
		Advisor:     c.analyzer.Analyze(),
	}
}

// Admit implements orchestrator.Gate. Order: kill switch, confidence, rate, blast
// radius. The rate and blast checks and the pending ActionRecord are one atomic step
// on the trail.
func (c *Controller) Admit(ctx context.Context, cycleID string, d models.Decision) orchestrator.Admission {
	c.mu.RLock()
	threshold, rate, blast := c.threshold, c.rate, c.blast
	c.mu.RUnlock()

	confidence := 0.0
	if d.Confidence != nil {
		confidence = d.Confidence.Value
	}
	target := d.Target.Key()

	if c.kill.Engaged() || confidence < threshold {
		verdict := guardrails.Evaluate(c.kill.Engaged(), rate, blast, c.trail.Records(), target, c.trail.Now())
		blocked := verdict.BlockedBy
		if confidence < threshold {
			blocked = insertAfterKillSwitch(blocked, BlockedConfidence)
		}
		return c.queueForApproval(ctx, cycleID, d, confidence, blocked)
	}

	var verdict guardrails.Verdict
	rec, err := c.trail.Reserve(ctx, models.ActionRecord{
		DecisionID: d.ID,
		ActionType: d.Type,
		Target:     target,
		Confidence: confidence,
		Automated:  true,
	}, func(records []models.ActionRecord) error {
		verdict = guardrails.Evaluate(c.kill.Engaged(), rate, blast, records, target, c.trail.Now())
		if !verdict.Allowed {
			return errGuardrailBlocked
		}
		return nil
	})
	if err != nil {
		return c.queueForApproval(ctx, cycleID, d, confidence, verdict.BlockedBy)
	}
	metrics.RecordDecision(d.Type.String(), string(models.RoutingExecuted))
	return orchestrator.Admission{Execute: true, Record: rec, Routing: models.RoutingExecuted}
}

func (c *Controller) queueForApproval(ctx context.Context, cycleID string, d models.Decision, confidence float64, blocked []string) orchestrator.Admission {
	item := c.queue.enqueue(cycleID, d, confidence, blocked, c.trail.Now().UTC())
	c.audit(ctx, cycleID, d, models.RoutingPendingApproval, blocked)
	metrics.RecordDecision(d.Type.String(), string(models.RoutingPendingApproval))
	c.logger.Info("decision queued for approval",
		slog.String("pending_id", item.ID),
		slog.String("action", d.Type.String()),
		slog.String("target", d.Target.String()),
		slog.Float64("confidence", confidence),
		slog.Any("blocked_by", blocked),
	)
	return orchestrator.Admission{Routing: models.RoutingPendingApproval, BlockedBy: blocked}
}

// SelfHeal is the entry point for anomaly-driven remediation. It passes through the
// same gate as cycle decisions. Execution failures are reported in the result's
// routing; only invalid requests return an error.
func (c *Controller) SelfHeal(ctx context.Context, req models.HealRequest) (models.HealResult, error) {
	if !req.Action.SelfHealing() {
		return models.HealResult{}, fmt.Errorf("%s is not a self-healing action", req.Action)
	}
	d := models.Decision{
		ID:        uuid.NewString(),
		Type:      req.Action,
		Target:    req.Target,
		Priority:  req.Action.Meta().DefaultPriority,
		Reason:    req.Reason,
		Signals:   1,
		Severity:  req.Severity,
		Source:    req.Source,
		CreatedAt: c.trail.Now().UTC(),
	}

	c.mu.RLock()
	enabled := c.selfHealing
	c.mu.RUnlock()
	if !enabled {
		c.audit(ctx, "", d, models.RoutingDisabled, nil)
		metrics.RecordSelfHealing(d.Type.String(), string(models.RoutingDisabled))
		return models.HealResult{DecisionID: d.ID, Routing: models.RoutingDisabled}, nil
	}

	signals := decision.SignalsFor(d, c.ScoreContext())
	signals.Evidence = req.Confidence
	score := c.engine.Scorer().Score(signals)
	d.Confidence = &score

	adm := c.Admit(ctx, "", d)
	result := models.HealResult{DecisionID: d.ID, Routing: adm.Routing, BlockedBy: adm.BlockedBy}
	if adm.Execute {
		rec, err := c.orch.Execute(ctx, d, adm.Record)
		result.Record = &rec
		result.Routing = models.RoutingExecuted
		if err != nil {
			result.Routing = models.RoutingFailed
		}
		c.audit(ctx, "", d, result.Routing, nil)
	}
	metrics.RecordSelfHealing(d.Type.String(), string(result.Routing))
	metrics.SetPendingApprovals(c.queue.len())
	return result, nil
}

// Approve executes a pending decision once, bypassing the confidence gate, the kill
// switch and the automated-action limiters. A second approval returns
// ErrAlreadyResolved.
func (c *Controller) Approve(ctx context.Context, id, note string) (PendingDecision, error) {
	item, err := c.queue.claim(id, StatusApproved, note, c.trail.Now().UTC())
	if err != nil {
		return item, err
	}
	metrics.SetPendingApprovals(c.queue.len())

	confidence := item.Confidence
	rec, err := c.trail.Reserve(ctx, models.ActionRecord{
		DecisionID: item.Decision.ID,
		ActionType: item.Decision.Type,
		Target:     item.Decision.Target.Key(),
		Confidence: confidence,
		Automated:  false,
	}, nil)
	if err != nil {
		return c.queue.settle(id, StatusFailed, "", err.Error()), nil
	}

	rec, execErr := c.orch.Execute(ctx, item.Decision, rec)
	status, routing := StatusExecuted, models.RoutingExecuted
	errNote := ""
	if execErr != nil {
		status, routing = StatusFailed, models.RoutingFailed
		errNote = execErr.Error()
	}
	c.audit(ctx, item.CycleID, item.Decision, routing, nil)
	c.logger.Info("pending decision approved",
		slog.String("pending_id", id),
		slog.String("action", item.Decision.Type.String()),
		slog.String("status", string(status)),
	)
	return c.queue.settle(id, status, rec.ID, errNote), nil
}

// Reject discards a pending decision.
func (c *Controller) Reject(id, reason string) (PendingDecision, error) {
	item, err := c.queue.claim(id, StatusRejected, reason, c.trail.Now().UTC())
	if err != nil {
		return item, err
	}
	metrics.SetPendingApprovals(c.queue.len())
	c.logger.Info("pending decision rejected", slog.String("pending_id", id), slog.String("reason", reason))
	return item, nil
}

// Pending lists decisions waiting for approval.
func (c *Controller) Pending() []PendingDecision {
	return c.queue.pending()
}

// Get returns a queue entry by id, resolved or not.
func (c *Controller) Get(id string) (PendingDecision, bool) {
	return c.queue.get(id)
}

// SetKillSwitch engages or releases the kill switch and returns the previous value.
// Releasing it never executes decisions that were queued while it was engaged.
func (c *Controller) SetKillSwitch(engaged bool) bool {
	prev := c.kill.Set(engaged)
	metrics.SetKillSwitch(engaged)
	if prev != engaged {
		c.logger.Warn("kill switch changed", slog.Bool("engaged", engaged))
	}
	return prev
}

// KillSwitch reports whether the kill switch is engaged.
func (c *Controller) KillSwitch() bool {
	return c.kill.Engaged()
}

// Settings returns the current runtime settings.
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Settings{
		ConfidenceThreshold: c.threshold,
		RateLimit:           c.rate.Limit,
		BlastRadius:         c.blast.Limit,
		SelfHealingEnabled:  c.selfHealing,
	}
}

// ApplySettings replaces the runtime settings. Callers validate first.
func (c *Controller) ApplySettings(s Settings) {
	c.mu.Lock()
	c.threshold = s.ConfidenceThreshold
	c.rate.Limit = s.RateLimit
	c.blast.Limit = s.BlastRadius
	c.selfHealing = s.SelfHealingEnabled
	c.mu.Unlock()
}

// Status reports guardrail usage, the queue and recent decisions.
func (c *Controller) Status(recent int) Status {
	c.mu.RLock()
	rate, blast, threshold, selfHealing := c.rate, c.blast, c.threshold, c.selfHealing
	c.mu.RUnlock()

	return Status{
		Guardrails:          guardrails.Snapshot(c.kill.Engaged(), rate, blast, c.trail.Records(), c.trail.Now()),
		ConfidenceThreshold: threshold,
		SelfHealingEnabled:  selfHealing,
		PendingApprovals:    c.queue.len(),
		Trends:              c.analyzer.Analyze().Trends(),
		RecentDecisions:     c.decisions.Recent(recent),
		ActiveDeployments:   c.orch.Machines().Active(),
	}
}

func (c *Controller) audit(ctx context.Context, cycleID string, d models.Decision, routing models.Routing, blocked []string) {
	entry := models.DecisionAudit{
		DecisionID: d.ID,
		CycleID:    cycleID,
		Decision:   d,
		Routing:    routing,
		BlockedBy:  append([]string(nil), blocked...),
		At:         c.trail.Now().UTC(),
	}
	if d.Confidence != nil {
		entry.Confidence = d.Confidence.Value
		entry.Factors = append([]models.ConfidenceFactor(nil), d.Confidence.Factors...)
	}
	c.decisions.Record(ctx, entry)
}

func insertAfterKillSwitch(blocked []string, reason string) []string {
	out := make([]string, 0, len(blocked)+1)
	if len(blocked) > 0 && blocked[0] == guardrails.GateKillSwitch {
		out = append(out, blocked[0], reason)
		return append(out, blocked[1:]...)
	}
	out = append(out, reason)
	return append(out, blocked...)
}
