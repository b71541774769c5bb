package predict

import (
	"math"
	"testing"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

func TestAnalyzerFallsBackToBaseReliability(t *testing.T) {
	report := NewAnalyzer(nil, time.Hour, nil).Analyze()
	if got := report.SuccessRate(models.ActionDeploy); got != models.ActionDeploy.Meta().BaseReliability {
		t.Fatalf("expected base reliability, got %v", got)
	}
	if len(report.Trends()) != 0 {
		t.Fatalf("expected no trends")
	}
}

func TestAnalyzerLowersRateAfterRecentFailures(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []models.ActionRecord{
		{ActionType: models.ActionDeploy, Outcome: models.OutcomeSuccess, Timestamp: now.Add(-5 * time.Hour)},
		{ActionType: models.ActionDeploy, Outcome: models.OutcomeFailure, Timestamp: now.Add(-10 * time.Minute)},
		{ActionType: models.ActionDeploy, Outcome: models.OutcomeFailure, Timestamp: now.Add(-5 * time.Minute)},
		{ActionType: models.ActionDeploy, Outcome: models.OutcomePending, Timestamp: now},
		{ActionType: models.ActionAlert, Outcome: models.OutcomeSuccess, Timestamp: now.Add(-time.Minute)},
	}
	analyzer := NewAnalyzer(RecordSourceFunc(func() []models.ActionRecord { return records }), time.Hour, nil)
	analyzer.SetClock(func() time.Time { return now })

	report := analyzer.Analyze()
	trends := report.Trends()
	if len(trends) != 2 || trends[0].Action != models.ActionDeploy {
		t.Fatalf("unexpected trends: %+v", trends)
	}
	deploy := trends[0]
	if deploy.Attempts != 3 || deploy.Failures != 2 || deploy.RecentFailures != 2 {
		t.Fatalf("unexpected deploy trend: %+v", deploy)
	}
	if !deploy.LastFailure.Equal(now.Add(-5 * time.Minute)) {
		t.Fatalf("unexpected last failure %v", deploy.LastFailure)
	}

	prior := models.ActionDeploy.Meta().BaseReliability
	want := (1 + 3*prior) / 6 * 0.8
	if math.Abs(report.SuccessRate(models.ActionDeploy)-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, report.SuccessRate(models.ActionDeploy))
	}
	if report.SuccessRate(models.ActionDeploy) >= prior {
		t.Fatalf("expected failures to lower the rate below the prior")
	}
	if report.SuccessRate(models.ActionAlert) <= models.ActionAlert.Meta().BaseReliability {
		t.Fatalf("expected a success to raise the alert rate")
	}
}

func TestAnalyzerPenaltyIsBounded(t *testing.T) {
	now := time.Now()
	var records []models.ActionRecord
	for i := 0; i < 20; i++ {
		records = append(records, models.ActionRecord{ActionType: models.ActionRollback, Outcome: models.OutcomeFailure, Timestamp: now})
	}
	analyzer := NewAnalyzer(RecordSourceFunc(func() []models.ActionRecord { return records }), time.Hour, nil)
	analyzer.SetClock(func() time.Time { return now })
	rate := analyzer.Analyze().SuccessRate(models.ActionRollback)
	if rate < 0 || rate > 1 {
		t.Fatalf("rate out of range: %v", rate)
	}
}
