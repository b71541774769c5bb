package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

func worldWith(fields map[string]any, streaks, workflowStreaks map[string]int) models.WorldModel {
	return models.WorldModel{
		Timestamp:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Observations:    map[string]models.Observation{"platform": {Source: "platform", Fields: fields}},
		FailureStreaks:  streaks,
		WorkflowStreaks: workflowStreaks,
	}
}

func find(decisions []models.Decision, action models.ActionType) (models.Decision, bool) {
	for _, d := range decisions {
		if d.Type == action {
			return d, true
		}
	}
	return models.Decision{}, false
}

func TestThreeFailedDeploymentsEmitRollbackAndIssue(t *testing.T) {
	base := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	deployments := []models.DeploymentSnapshot{
		{ID: "d1", Service: "svc-1", Status: models.DeploymentFailed, Reason: "health check timeout", CreatedAt: base},
		{ID: "d2", Service: "svc-1", Status: models.DeploymentFailed, Reason: "health check timeout", CreatedAt: base.Add(time.Minute)},
		{ID: "d3", Service: "svc-1", Status: models.DeploymentFailed, Reason: "OOMKilled during startup", CreatedAt: base.Add(2 * time.Minute)},
	}
	world := worldWith(map[string]any{models.FieldDeployments: deployments}, map[string]int{"svc-1": 3}, nil)

	decisions := NewEngine(nil, nil).Decide(world, nil, ScoreContext{BlastBudget: 1})
	require.Len(t, decisions, 2)

	rollback := decisions[0]
	assert.Equal(t, models.ActionRollback, rollback.Type)
	assert.GreaterOrEqual(t, rollback.Priority, 8)
	assert.Equal(t, "d3", rollback.Target.DeploymentID)

	issue, ok := find(decisions, models.ActionCreateIssue)
	require.True(t, ok)
	assert.Contains(t, issue.Reason, "OOMKilled during startup")
	assert.Less(t, issue.Priority, rollback.Priority)

	for _, d := range decisions {
		assert.NotEmpty(t, d.ID)
		require.NotNil(t, d.Confidence)
		assert.GreaterOrEqual(t, d.Confidence.Value, 0.0)
		assert.LessOrEqual(t, d.Confidence.Value, 1.0)
	}
}

func TestRollbackPriorityEscalatesWithStreak(t *testing.T) {
	engine := NewEngine(nil, nil)
	for streak, want := range map[int]int{2: 8, 3: 9, 4: 10, 7: 10} {
		world := worldWith(map[string]any{models.FieldDeployments: []models.DeploymentSnapshot{
			{ID: "x", Service: "svc", Status: models.DeploymentFailed},
		}}, map[string]int{"svc": streak}, nil)
		rollback, ok := find(engine.Orient(world), models.ActionRollback)
		require.True(t, ok)
		assert.Equal(t, want, rollback.Priority, "streak %d", streak)
	}
}

func TestSingleFailureOnlyAlerts(t *testing.T) {
	world := worldWith(map[string]any{models.FieldDeployments: []models.DeploymentSnapshot{
		{ID: "d1", Service: "svc-1", Status: models.DeploymentFailed, Reason: "bad config"},
	}}, map[string]int{"svc-1": 1}, nil)

	decisions := NewEngine(nil, nil).Orient(world)
	require.Len(t, decisions, 1)
	assert.Equal(t, models.ActionAlert, decisions[0].Type)
	assert.Equal(t, 5, decisions[0].Priority)
}

func TestServiceHealthAndDrift(t *testing.T) {
	world := worldWith(map[string]any{
		models.FieldServices: []models.ServiceSnapshot{
			{Name: "web", Status: models.ServiceDegraded, ErrorRate: 0.1},
			{Name: "api", Status: models.ServiceDown},
			{Name: "worker", Status: models.ServiceHealthy, CurrentVersion: "1.0.0", DesiredVersion: "1.1.0"},
			{Name: "batch", Status: models.ServiceHealthy, CurrentVersion: "2.0.0", DesiredVersion: "2.1.0"},
		},
		models.FieldDeployments: []models.DeploymentSnapshot{
			{ID: "b1", Service: "batch", Status: models.DeploymentBuilding},
		},
	}, nil, nil)

	decisions := NewEngine(nil, nil).Decide(world, nil, ScoreContext{BlastBudget: 1})
	var got []string
	for _, d := range decisions {
		got = append(got, d.Type.String()+"@"+d.Target.Service)
	}
	assert.Equal(t, []string{
		"RESTART_SERVICE@api",
		"ALERT@api",
		"ALERT@web",
		"DEPLOY@worker",
	}, got)
}

func TestMergeablePullRequestSkippedDuringFailureStreak(t *testing.T) {
	prs := []models.PullRequestSnapshot{
		{Repository: "org/api", Number: 7, Service: "api", State: "open", ChecksPassing: true, Approved: true, Mergeable: true},
		{Repository: "org/web", Number: 9, Service: "web", State: "open", ChecksPassing: true, Approved: true, Mergeable: true},
		{Repository: "org/web", Number: 10, Service: "web", State: "open", ChecksPassing: false, Approved: true, Mergeable: true},
	}
	world := worldWith(map[string]any{models.FieldPullRequests: prs}, map[string]int{"api": 2}, nil)

	var merges []models.Decision
	for _, d := range NewEngine(nil, nil).Orient(world) {
		if d.Type == models.ActionMergePR {
			merges = append(merges, d)
		}
	}
	require.Len(t, merges, 1)
	assert.Equal(t, 9, merges[0].Target.PullRequest)
	assert.Equal(t, 3, merges[0].Priority)
}

func TestWorkflowStreaks(t *testing.T) {
	world := worldWith(nil, nil, map[string]int{"nightly-backup": 3, "lint": 1})
	decisions := NewEngine(nil, nil).Decide(world, nil, ScoreContext{BlastBudget: 1})
	require.Len(t, decisions, 2)
	assert.Equal(t, models.ActionCreateIssue, decisions[0].Type)
	assert.Equal(t, "nightly-backup", decisions[0].Target.Workflow)
	assert.Equal(t, models.ActionAlert, decisions[1].Type)
	assert.Equal(t, "lint", decisions[1].Target.Workflow)
}

func TestFollowUpsMergeAndCollapseToHighestPriority(t *testing.T) {
	world := worldWith(map[string]any{models.FieldServices: []models.ServiceSnapshot{
		{Name: "api", Status: models.ServiceDegraded},
	}}, nil, nil)
	followUps := []models.Decision{
		{Type: models.ActionAlert, Target: models.Target{Service: "api"}, Priority: 6, Reason: "restart failed", Severity: models.SeverityHigh},
		{Type: models.ActionCreateIssue, Target: models.Target{Service: "api"}, Priority: 5, Reason: "restart failed"},
	}

	decisions := NewEngine(nil, nil).Decide(world, followUps, ScoreContext{BlastBudget: 1})
	require.Len(t, decisions, 2)
	assert.Equal(t, models.ActionAlert, decisions[0].Type)
	assert.Equal(t, 6, decisions[0].Priority)
	assert.Equal(t, "restart failed", decisions[0].Reason)
	assert.Equal(t, models.ActionCreateIssue, decisions[1].Type)
}

func TestEqualPrioritiesKeepInsertionOrder(t *testing.T) {
	followUps := []models.Decision{
		{Type: models.ActionAlert, Target: models.Target{Service: "c"}, Priority: 3},
		{Type: models.ActionAlert, Target: models.Target{Service: "a"}, Priority: 3},
		{Type: models.ActionAlert, Target: models.Target{Service: "b"}, Priority: 3},
	}
	decisions := NewEngine(nil, nil).Decide(models.WorldModel{}, followUps, ScoreContext{})
	require.Len(t, decisions, 3)
	assert.Equal(t, "c", decisions[0].Target.Service)
	assert.Equal(t, "a", decisions[1].Target.Service)
	assert.Equal(t, "b", decisions[2].Target.Service)
}

type fixedAdvisor float64

func (a fixedAdvisor) SuccessRate(models.ActionType) float64 { return float64(a) }

func TestWeightedScorerFactors(t *testing.T) {
	scorer := NewWeightedScorer(DefaultWeights())
	d := models.Decision{Type: models.ActionRollback, Severity: models.SeverityCritical, Signals: 3}

	good := scorer.Score(SignalsFor(d, ScoreContext{BlastBudget: 1, Advisor: fixedAdvisor(1)}))
	bad := scorer.Score(SignalsFor(d, ScoreContext{BlastBudget: 0, Advisor: fixedAdvisor(0)}))
	assert.Greater(t, good.Value, bad.Value)
	assert.LessOrEqual(t, good.Value, 1.0)

	hist, ok := bad.Factor(FactorHistoricalSuccess)
	require.True(t, ok)
	assert.Equal(t, 0.0, hist)
	base, ok := good.Factor(FactorBaseReliability)
	require.True(t, ok)
	assert.InDelta(t, models.ActionRollback.Meta().BaseReliability, base, 1e-9)
}

func TestWeightedScorerNormalizesWeights(t *testing.T) {
	scorer := NewWeightedScorer(Weights{BaseReliability: 2, HistoricalSuccess: 2})
	w := scorer.Weights()
	assert.InDelta(t, 0.5, w.BaseReliability, 1e-9)
	assert.InDelta(t, 0.5, w.HistoricalSuccess, 1e-9)
	assert.Zero(t, w.BlastBudget)

	fallback := NewWeightedScorer(Weights{})
	assert.InDelta(t, DefaultWeights().BaseReliability, fallback.Weights().BaseReliability, 1e-9)
}

func TestPluggableScorer(t *testing.T) {
	engine := NewEngine(ScorerFunc(func(Signals) models.ConfidenceScore {
		return models.ConfidenceScore{Value: 0.42}
	}), nil)
	decisions := engine.Decide(models.WorldModel{}, []models.Decision{{Type: models.ActionAlert, Priority: 1}}, ScoreContext{})
	require.Len(t, decisions, 1)
	assert.Equal(t, 0.42, decisions[0].Confidence.Value)
}
