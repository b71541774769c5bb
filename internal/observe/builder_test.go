package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
)

type staticSource struct {
	name   string
	fields map[string]any
	err    error
	delay  time.Duration
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Observe(ctx context.Context) (map[string]any, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.fields, s.err
}

func TestAllSourcesFailingYieldsEmptyModel(t *testing.T) {
	b := NewBuilder([]platform.Source{
		staticSource{name: "deploy", err: errors.New("connection refused")},
		staticSource{name: "scm", err: errors.New("502")},
	}, time.Second, nil)

	world := b.Build(context.Background())
	assert.Len(t, world.Observations, 2)
	assert.Equal(t, []string{"deploy", "scm"}, world.DegradedSources)
	assert.Empty(t, world.AllDeployments())
	assert.Empty(t, world.FailureStreaks)
	assert.False(t, world.Timestamp.IsZero())
	assert.Contains(t, world.Observations["deploy"].Err, "connection refused")
}

func TestSlowSourceDoesNotBlockOthers(t *testing.T) {
	b := NewBuilder([]platform.Source{
		staticSource{name: "slow", delay: time.Second},
		staticSource{name: "fast", fields: map[string]any{
			models.FieldServices: []models.ServiceSnapshot{{Name: "api", Status: models.ServiceDown}},
		}},
	}, 50*time.Millisecond, nil)

	start := time.Now()
	world := b.Build(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"slow"}, world.DegradedSources)
	assert.Contains(t, world.Observations["slow"].Err, "timed out")
	assert.Equal(t, []string{"api"}, world.DegradedServices)
}

func TestFailureStreaks(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	deployments := []models.DeploymentSnapshot{
		{ID: "a1", Service: "svc-1", Status: models.DeploymentActive, CreatedAt: base},
		{ID: "a2", Service: "svc-1", Status: models.DeploymentFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "a3", Service: "svc-1", Status: models.DeploymentFailed, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "a4", Service: "svc-1", Status: models.DeploymentFailed, CreatedAt: base.Add(3 * time.Minute)},
		{ID: "a5", Service: "svc-1", Status: models.DeploymentBuilding, CreatedAt: base.Add(4 * time.Minute)},
		{ID: "b1", Service: "svc-2", Status: models.DeploymentFailed, CreatedAt: base},
		{ID: "b2", Service: "svc-2", Status: models.DeploymentActive, CreatedAt: base.Add(time.Minute)},
	}
	runs := []models.WorkflowRunSnapshot{
		{Workflow: "nightly", Conclusion: "failure", StartedAt: base},
		{Workflow: "nightly", Conclusion: "timed_out", StartedAt: base.Add(time.Hour)},
		{Workflow: "nightly", StartedAt: base.Add(2 * time.Hour)},
		{Workflow: "ci", Conclusion: "success", StartedAt: base},
	}
	b := NewBuilder([]platform.Source{
		staticSource{name: "deploy", fields: map[string]any{models.FieldDeployments: deployments}},
		staticSource{name: "ci", fields: map[string]any{models.FieldWorkflowRuns: runs}},
	}, time.Second, nil)

	world := b.Build(context.Background())
	require.Empty(t, world.DegradedSources)
	assert.Equal(t, map[string]int{"svc-1": 3}, world.FailureStreaks)
	assert.Equal(t, map[string]int{"nightly": 2}, world.WorkflowStreaks)
}

func TestTransientSourceErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &TransientSourceError{Source: "deploy", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "source deploy: boom", err.Error())
}
