package orchestrator

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/decision"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/observe"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/statemachine"
)

type testGate struct {
	trail *audit.Trail
	deny  map[models.ActionType]bool
}

func (g *testGate) ScoreContext() decision.ScoreContext {
	return decision.ScoreContext{BlastBudget: 1}
}

func (g *testGate) Admit(ctx context.Context, _ string, d models.Decision) Admission {
	if g.deny[d.Type] {
		return Admission{Routing: models.RoutingPendingApproval, BlockedBy: []string{"test"}}
	}
	rec, err := g.trail.Reserve(ctx, models.ActionRecord{
		DecisionID: d.ID,
		ActionType: d.Type,
		Target:     d.Target.Key(),
		Automated:  true,
	}, nil)
	if err != nil {
		return Admission{Routing: models.RoutingPendingApproval}
	}
	return Admission{Execute: true, Record: rec}
}

type fixture struct {
	sim   *platform.Simulator
	trail *audit.Trail
	orch  *Orchestrator
	gate  *testGate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := platform.NewSimulator()
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	client, err := platform.NewHTTPClient(platform.HTTPConfig{
		Name:       "sim",
		BaseURL:    srv.URL,
		StatePath:  platform.SimStatePath,
		ActionPath: platform.SimActionPath,
		VerifyPath: platform.SimVerifyPath,
		Timeout:    time.Second,
	})
	require.NoError(t, err)

	trail := audit.NewTrail(time.Hour, nil, nil)
	orch := New(
		observe.NewBuilder([]platform.Source{client}, time.Second, nil),
		decision.NewEngine(nil, nil),
		platform.NewRouter(client),
		statemachine.NewManager(nil, nil),
		trail,
		nil,
	)
	return &fixture{sim: sim, trail: trail, orch: orch, gate: &testGate{trail: trail}}
}

func actionTypes(records []models.ActionRecord) []models.ActionType {
	out := make([]models.ActionType, 0, len(records))
	for _, r := range records {
		out = append(out, r.ActionType)
	}
	return out
}

func TestCycleExecutesInPriorityOrderAndTracksDeploy(t *testing.T) {
	f := newFixture(t)
	f.sim.SeedService(models.ServiceSnapshot{Name: "api", Status: models.ServiceDown})
	f.sim.SeedService(models.ServiceSnapshot{Name: "worker", Status: models.ServiceHealthy, CurrentVersion: "1.0.0", DesiredVersion: "1.1.0"})
	ctx := context.Background()

	report, err := f.orch.RunCycle(ctx, f.gate)
	require.NoError(t, err)
	require.Len(t, report.Executed(), 3)

	records := f.trail.Records()
	assert.Equal(t, []models.ActionType{models.ActionRestartService, models.ActionAlert, models.ActionDeploy}, actionTypes(records))
	for _, r := range records {
		assert.Equal(t, models.OutcomeSuccess, r.Outcome)
	}

	deployRecord := records[2]
	machine, ok := f.orch.Machines().Get(deployRecord.ID)
	require.True(t, ok)
	assert.Equal(t, statemachine.StateDeploying, machine.State())

	report, err = f.orch.RunCycle(ctx, f.gate)
	require.NoError(t, err)
	assert.Empty(t, report.Decisions)
	assert.Equal(t, statemachine.StateActive, machine.State())
	assert.Empty(t, f.orch.Machines().Active())
}

func TestFailedActionRecordsFailureAndQueuesFollowUps(t *testing.T) {
	f := newFixture(t)
	f.sim.SeedService(models.ServiceSnapshot{Name: "api", Status: models.ServiceDown})
	f.sim.FailNext(models.ActionRestartService, 1)
	ctx := context.Background()

	report, err := f.orch.RunCycle(ctx, f.gate)
	require.NoError(t, err)
	require.NotEmpty(t, report.Outcomes)

	restart := report.Outcomes[0]
	assert.Equal(t, models.ActionRestartService, restart.Decision.Type)
	assert.Equal(t, models.RoutingFailed, restart.Routing)
	var execErr *ActionExecutionError
	require.True(t, errors.As(restart.Err, &execErr))
	assert.Equal(t, models.ActionRestartService, execErr.Action)
	require.NotNil(t, restart.Record)
	assert.Equal(t, models.OutcomeFailure, restart.Record.Outcome)
	assert.NotEmpty(t, restart.Record.Error)

	followUps := f.orch.FollowUps()
	require.Len(t, followUps, 2)

	report, err = f.orch.RunCycle(ctx, f.gate)
	require.NoError(t, err)
	var sawIssue bool
	for _, d := range report.Decisions {
		if d.Type == models.ActionCreateIssue && d.Source == "action_failure" {
			sawIssue = true
		}
	}
	assert.True(t, sawIssue, "expected follow-up CREATE_ISSUE in the next cycle")
	assert.Empty(t, f.orch.FollowUps())
}

func TestRollbackAdoptsObservedFailedDeployment(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"d1", "d2", "d3"} {
		f.sim.SeedDeployment(models.DeploymentSnapshot{
			ID: id, Service: "svc-1", Status: models.DeploymentFailed, Reason: "crash loop",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	report, err := f.orch.RunCycle(context.Background(), f.gate)
	require.NoError(t, err)
	require.NotEmpty(t, report.Decisions)
	assert.Equal(t, models.ActionRollback, report.Decisions[0].Type)
	assert.Equal(t, 3, report.World.FailureStreaks["svc-1"])

	machine, ok := f.orch.Machines().Get("d3")
	require.True(t, ok)
	var states []statemachine.State
	for _, tr := range machine.History() {
		states = append(states, tr.State)
	}
	assert.Equal(t, []statemachine.State{
		statemachine.StatePending,
		statemachine.StateBuilding,
		statemachine.StateFailed,
		statemachine.StateRollingBack,
		statemachine.StateRolledBack,
	}, states)

	other, ok := f.orch.Machines().Get("d1")
	require.True(t, ok)
	assert.Equal(t, statemachine.StateFailed, other.State())
}

func TestBlockedDecisionsLeaveNoRecord(t *testing.T) {
	f := newFixture(t)
	f.sim.SeedService(models.ServiceSnapshot{Name: "api", Status: models.ServiceDown})
	f.gate.deny = map[models.ActionType]bool{models.ActionRestartService: true}

	report, err := f.orch.RunCycle(context.Background(), f.gate)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, models.RoutingPendingApproval, report.Outcomes[0].Routing)
	assert.Nil(t, report.Outcomes[0].Record)
	assert.Equal(t, []models.ActionType{models.ActionAlert}, actionTypes(f.trail.Records()))
}

func TestExecuteWithoutActorFails(t *testing.T) {
	trail := audit.NewTrail(time.Hour, nil, nil)
	orch := New(nil, nil, platform.NewRouter(), nil, trail, nil)
	ctx := context.Background()
	d := models.Decision{Type: models.ActionAlert, Target: models.Target{Service: "api"}}
	rec, err := trail.Reserve(ctx, models.ActionRecord{ActionType: d.Type, Target: d.Target.Key()}, nil)
	require.NoError(t, err)

	completed, err := orch.Execute(ctx, d, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, platform.ErrNoActor)
	assert.Equal(t, models.OutcomeFailure, completed.Outcome)
	assert.Equal(t, 1, trail.Len())

	_, err = orch.RunCycle(ctx, nil)
	assert.Error(t, err)
}
