package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/statemachine"
)

var errUnknownAction = errors.New("unknown action type")

// Execute performs one reserved action attempt: a single platform call, confirmed by
// a verifying read when the call itself errors. rec must already be in the trail;
// Execute completes it, so every attempt leaves exactly one record.
func (o *Orchestrator) Execute(ctx context.Context, d models.Decision, rec models.ActionRecord) (models.ActionRecord, error) {
	lock := o.targetLock(d.Target.Key())
	lock.Lock()
	defer lock.Unlock()

	ctx, span := o.tracer.Start(ctx, "autopilot.execute")
	span.SetAttributes(
		attribute.String("action", d.Type.String()),
		attribute.String("target", d.Target.Key()),
		attribute.String("record.id", rec.ID),
	)
	defer span.End()

	req := platform.ActionRequest{ID: rec.ID, Action: d.Type, Target: d.Target, Reason: d.Reason}
	var err error
	switch d.Type {
	case models.ActionDeploy:
		err = o.deploy(ctx, req)
	case models.ActionRollback:
		err = o.rollback(ctx, req)
	case models.ActionMergePR, models.ActionCreateIssue, models.ActionAlert:
		_, err = o.call(ctx, req)
	case models.ActionRestartService, models.ActionClearCache, models.ActionResetConnections, models.ActionMemoryCleanup:
		_, err = o.call(ctx, req)
	default:
		err = fmt.Errorf("%w: %d", errUnknownAction, int(d.Type))
	}

	outcome := models.OutcomeSuccess
	if err != nil {
		outcome = models.OutcomeFailure
	}
	completed, cerr := o.trail.Complete(ctx, rec.ID, outcome, err)
	if cerr != nil {
		o.logger.Warn("complete action record failed", slog.String("record_id", rec.ID), slog.Any("error", cerr))
		completed = rec
		completed.Outcome = outcome
	}

	if err != nil {
		metrics.RecordAction(d.Type.String(), metrics.OutcomeError)
		span.SetStatus(codes.Error, err.Error())
		execErr := &ActionExecutionError{Action: d.Type, Target: d.Target, Err: err}
		o.enqueueFollowUps(followUpsFor(d, execErr)...)
		o.logger.Warn("action failed",
			slog.String("action", d.Type.String()),
			slog.String("target", d.Target.String()),
			slog.String("record_id", rec.ID),
			slog.Any("error", err),
		)
		return completed, execErr
	}
	metrics.RecordAction(d.Type.String(), metrics.OutcomeSuccess)
	o.logger.Info("action executed",
		slog.String("action", d.Type.String()),
		slog.String("target", d.Target.String()),
		slog.String("record_id", rec.ID),
		slog.Bool("automated", rec.Automated),
	)
	return completed, nil
}

// call issues the platform request once. On error a verifying read decides whether
// the platform applied it anyway.
func (o *Orchestrator) call(ctx context.Context, req platform.ActionRequest) (platform.ActionResult, error) {
	actor, err := o.router.For(req.Action)
	if err != nil {
		return platform.ActionResult{}, fmt.Errorf("%w %s", err, req.Action)
	}
	result, err := actor.Execute(ctx, req)
	if err == nil {
		return result, nil
	}
	applied, verr := actor.Verify(ctx, req)
	if verr == nil && applied {
		o.logger.Info("action confirmed by verify after error",
			slog.String("action", req.Action.String()),
			slog.String("platform", actor.Name()),
			slog.Any("error", err),
		)
		return platform.ActionResult{Reference: req.ID}, nil
	}
	if verr != nil && !errors.Is(verr, platform.ErrVerifyUnsupported) {
		o.logger.Debug("verify failed", slog.String("action", req.Action.String()), slog.Any("error", verr))
	}
	return platform.ActionResult{}, err
}

// deploy tracks the attempt from PENDING and advances it as far as the trigger goes.
// The observe sync drives it to ACTIVE or FAILED later.
func (o *Orchestrator) deploy(ctx context.Context, req platform.ActionRequest) error {
	machineID := req.ID
	if _, err := o.machines.Create(ctx, machineID, req.Target.Service, req.Reason); err != nil {
		o.logger.Warn("track deployment failed", slog.String("deployment_id", machineID), slog.Any("error", err))
	}
	o.transition(ctx, machineID, statemachine.StateBuilding, "deploy triggered")

	result, err := o.call(ctx, req)
	if err != nil {
		o.transition(ctx, machineID, statemachine.StateFailed, err.Error())
		return err
	}
	o.transition(ctx, machineID, statemachine.StateDeploying, "accepted by platform")
	if result.Reference != "" && result.Reference != machineID {
		o.mu.Lock()
		o.aliases[result.Reference] = machineID
		o.mu.Unlock()
	}
	return nil
}

// rollback moves the failed deployment to ROLLING_BACK, adopting it first when it was
// only ever seen on the platform.
func (o *Orchestrator) rollback(ctx context.Context, req platform.ActionRequest) error {
	machineID := ""
	if req.Target.DeploymentID != "" {
		machineID = o.machineID(req.Target.DeploymentID)
		o.adopt(ctx, machineID, req.Target.Service, statemachine.StateFailed)
		if m, ok := o.machines.Get(machineID); ok && m.State() == statemachine.StateFailed {
			o.transition(ctx, machineID, statemachine.StateRollingBack, req.Reason)
		}
	}

	if _, err := o.call(ctx, req); err != nil {
		return err
	}
	if machineID != "" {
		o.transition(ctx, machineID, statemachine.StateRolledBack, "rollback completed")
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, id string, next statemachine.State, reason string) {
	if _, err := o.machines.Transition(ctx, id, next, reason); err != nil {
		o.logger.Warn("deployment transition rejected",
			slog.String("deployment_id", id),
			slog.String("state", string(next)),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) machineID(platformID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.aliases[platformID]; ok {
		return id
	}
	return platformID
}

// adopt starts tracking an untracked deployment and walks it to state.
func (o *Orchestrator) adopt(ctx context.Context, id, service string, state statemachine.State) {
	if _, ok := o.machines.Get(id); ok {
		return
	}
	if _, err := o.machines.Create(ctx, id, service, "observed on platform"); err != nil {
		o.logger.Warn("adopt deployment failed", slog.String("deployment_id", id), slog.Any("error", err))
		return
	}
	if err := o.machines.Drive(ctx, id, state, "observed on platform"); err != nil {
		o.logger.Warn("adopt deployment failed", slog.String("deployment_id", id), slog.Any("error", err))
	}
}

var observedStates = map[string]statemachine.State{
	models.DeploymentPending:     statemachine.StatePending,
	models.DeploymentBuilding:    statemachine.StateBuilding,
	models.DeploymentDeploying:   statemachine.StateDeploying,
	models.DeploymentActive:      statemachine.StateActive,
	models.DeploymentFailed:      statemachine.StateFailed,
	models.DeploymentRollingBack: statemachine.StateRollingBack,
	models.DeploymentRolledBack:  statemachine.StateRolledBack,
}

// syncDeployments advances tracked machines to the status the platform reports and
// adopts failed or in-flight deployments this process has not seen before.
func (o *Orchestrator) syncDeployments(ctx context.Context, world models.WorldModel) {
	for _, d := range world.AllDeployments() {
		observed, ok := observedStates[d.Status]
		if !ok || d.ID == "" {
			continue
		}
		id := o.machineID(d.ID)
		machine, tracked := o.machines.Get(id)
		if !tracked {
			if observed == statemachine.StateFailed || d.InFlight() {
				o.adopt(ctx, id, d.Service, observed)
			}
			continue
		}
		current := machine.State()
		if current == observed || current.Terminal() {
			continue
		}
		reason := "observed " + d.Status
		if d.Reason != "" {
			reason += ": " + d.Reason
		}
		if err := o.machines.Drive(ctx, id, observed, reason); err != nil {
			o.logger.Debug("deployment sync skipped",
				slog.String("deployment_id", id),
				slog.String("from", string(current)),
				slog.String("to", string(observed)),
				slog.Any("error", err),
			)
		}
	}
}

// followUpsFor derives next-cycle decisions from a failed action.
func followUpsFor(d models.Decision, err *ActionExecutionError) []models.Decision {
	reason := fmt.Sprintf("follow-up: %v", err)
	alert := models.Decision{
		Type:     models.ActionAlert,
		Target:   d.Target,
		Priority: 6,
		Reason:   reason,
		Signals:  1,
		Severity: models.SeverityHigh,
		Source:   "action_failure",
	}
	issue := models.Decision{
		Type:     models.ActionCreateIssue,
		Target:   d.Target,
		Priority: 5,
		Reason:   reason,
		Signals:  1,
		Severity: models.SeverityHigh,
		Source:   "action_failure",
	}
	switch d.Type {
	case models.ActionRollback:
		alert.Priority, issue.Priority = 9, 8
		alert.Severity, issue.Severity = models.SeverityCritical, models.SeverityCritical
		return []models.Decision{alert, issue}
	case models.ActionAlert:
		return []models.Decision{issue}
	case models.ActionCreateIssue:
		return []models.Decision{alert}
	default:
		return []models.Decision{alert, issue}
	}
}
