package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/statemachine"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "autopilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.db")
	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestActionRecordsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	now := time.Now().UTC()

	trail := audit.NewTrail(time.Hour, s, nil)
	rec, err := trail.Reserve(ctx, models.ActionRecord{ActionType: models.ActionRollback, Target: "svc:a", Automated: true, Confidence: 0.9}, nil)
	require.NoError(t, err)
	_, err = trail.Complete(ctx, rec.ID, models.OutcomeSuccess, nil)
	require.NoError(t, err)

	loaded, err := s.LoadActions(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, models.ActionRollback, loaded[0].ActionType)
	assert.Equal(t, models.OutcomeSuccess, loaded[0].Outcome)
	assert.True(t, loaded[0].Automated)

	restored := audit.NewTrail(time.Hour, s, nil)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDecisionAuditUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	entry := models.DecisionAudit{
		DecisionID: "dec-1",
		CycleID:    "cycle-1",
		Decision:   models.Decision{Type: models.ActionMergePR, Target: models.Target{Repository: "org/app", PullRequest: 7}, Priority: 3},
		Confidence: 0.4,
		Factors:    []models.ConfidenceFactor{{Name: "base_reliability", Value: 0.75, Weight: 0.3}},
		Routing:    models.RoutingPendingApproval,
		BlockedBy:  []string{"confidence"},
		At:         time.Now(),
	}
	require.NoError(t, s.SaveDecision(ctx, entry))
	entry.Routing = models.RoutingExecuted
	entry.BlockedBy = nil
	entry.At = entry.At.Add(time.Second)
	require.NoError(t, s.SaveDecision(ctx, entry))

	rows, err := s.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.RoutingExecuted, rows[0].Routing)
	assert.Equal(t, "pr:org/app#7", rows[0].Target)
	require.Len(t, rows[0].Factors, 1)
	assert.Empty(t, rows[0].BlockedBy)
}

func TestDeploymentHistoriesRestore(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	mgr := statemachine.NewManager(nil, s)
	_, err := mgr.Create(ctx, "d1", "svc-1", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Drive(ctx, "d1", statemachine.StateFailed, "build broke"))

	restored := statemachine.NewManager(nil, s)
	_, err = restored.Restore(ctx)
	require.NoError(t, err)

	machine, ok := restored.Get("d1")
	require.True(t, ok)
	assert.Equal(t, statemachine.StateFailed, machine.State())
	assert.Equal(t, "svc-1", machine.Service())
	assert.Len(t, machine.History(), 3)
}
