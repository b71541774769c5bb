package guardrails

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

func automated(target string, at time.Time) models.ActionRecord {
	return models.ActionRecord{ActionType: models.ActionRestartService, Target: target, Timestamp: at, Automated: true, Outcome: models.OutcomeSuccess}
}

func TestKillSwitchSwap(t *testing.T) {
	k := NewKillSwitch(false)
	assert.False(t, k.Engaged())
	assert.False(t, k.Set(true))
	assert.True(t, k.Engaged())
	assert.True(t, k.Set(false))
	assert.False(t, k.Engaged())
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := RateLimiter{Limit: 2, Window: time.Hour}

	records := []models.ActionRecord{
		automated("svc:a", now.Add(-90*time.Minute)),
		automated("svc:b", now.Add(-30*time.Minute)),
	}
	assert.Equal(t, 1, limiter.Used(records, now))
	assert.True(t, limiter.Allow(records, now))

	records = append(records, automated("svc:c", now.Add(-5*time.Minute)))
	assert.False(t, limiter.Allow(records, now))
}

func TestRateLimiterIgnoresManualRecords(t *testing.T) {
	now := time.Now()
	limiter := RateLimiter{Limit: 1, Window: time.Hour}
	records := []models.ActionRecord{{Target: "svc:a", Timestamp: now, Automated: false}}
	assert.True(t, limiter.Allow(records, now))
}

func TestBlastRadiusAllowsKnownTargets(t *testing.T) {
	now := time.Now()
	limiter := BlastRadiusLimiter{Limit: 2, Window: time.Hour}
	records := []models.ActionRecord{
		automated("svc:a", now.Add(-time.Minute)),
		automated("svc:b", now.Add(-time.Minute)),
		automated("svc:a", now.Add(-2*time.Minute)),
	}

	assert.Equal(t, []string{"svc:a", "svc:b"}, limiter.Targets(records, now))
	assert.True(t, limiter.Allow(records, "svc:a", now))
	assert.False(t, limiter.Allow(records, "svc:c", now))
	assert.Zero(t, limiter.Remaining(records, now))
}

func TestEvaluateReportsEveryGate(t *testing.T) {
	now := time.Now()
	records := []models.ActionRecord{automated("svc:a", now)}
	verdict := Evaluate(true, RateLimiter{Limit: 1, Window: time.Hour}, BlastRadiusLimiter{Limit: 1, Window: time.Hour}, records, "svc:b", now)

	require.False(t, verdict.Allowed)
	assert.Equal(t, []string{GateKillSwitch, GateRateLimit, GateBlastRadius}, verdict.BlockedBy)
}

func TestEvaluateIsPureOverTrail(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var records []models.ActionRecord
	for i := 0; i < 5; i++ {
		records = append(records, automated(fmt.Sprintf("svc:%d", i), now.Add(-time.Duration(i)*time.Minute)))
	}
	rate := RateLimiter{Limit: 10, Window: time.Hour}
	blast := BlastRadiusLimiter{Limit: 5, Window: time.Hour}

	first := Evaluate(false, rate, blast, records, "svc:new", now)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, Evaluate(false, rate, blast, records, "svc:new", now))
	}
	assert.Equal(t, []string{GateBlastRadius}, first.BlockedBy)
}
