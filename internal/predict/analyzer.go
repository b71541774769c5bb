// Package predict derives advisory success trends from the ActionRecord trail.
// Nothing here executes actions; results only adjust confidence.
package predict

import (
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

const (
	// priorWeight is how many virtual attempts the base reliability prior counts for.
	priorWeight = 3.0
	// penaltyPerFailure lowers the rate for each failure inside the recent window.
	penaltyPerFailure = 0.1
	maxPenalty        = 0.5
)

// Trend summarises the history of one action type.
type Trend struct {
	Action         models.ActionType
	Attempts       int
	Successes      int
	Failures       int
	RecentFailures int
	LastFailure    time.Time
	// SuccessRate is the smoothed, trend-adjusted rate in [0,1].
	SuccessRate float64
}

// Report is one analysis pass. It implements decision.Advisor.
type Report struct {
	At     time.Time
	trends map[models.ActionType]Trend
}

// SuccessRate returns the adjusted success rate for action, falling back to its base
// reliability when the trail has no settled attempts.
func (r Report) SuccessRate(action models.ActionType) float64 {
	if t, ok := r.trends[action]; ok {
		return t.SuccessRate
	}
	return action.Meta().BaseReliability
}

// Trends returns per-action trends ordered by attempts, most active first.
func (r Report) Trends() []Trend {
	out := make([]Trend, 0, len(r.trends))
	for _, t := range r.trends {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts > out[j].Attempts
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// Analyzer mines the trail for success rates and recent failure trends.
type Analyzer struct {
	source RecordSource
	recent time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer constructs an Analyzer; recent is the failure-trend window.
func NewAnalyzer(source RecordSource, recent time.Duration, logger *slog.Logger) *Analyzer {
	if recent <= 0 {
		recent = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{source: source, recent: recent, logger: logger, now: time.Now}
}

// SetClock overrides the time source (tests).
func (a *Analyzer) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Analyze computes a fresh Report. Pending records are ignored.
func (a *Analyzer) Analyze() Report {
	now := a.now()
	report := Report{At: now, trends: make(map[models.ActionType]Trend)}
	if a.source == nil {
		return report
	}

	aggregates := make(map[models.ActionType]*actionAggregate)
	for _, rec := range a.source.Records() {
		if rec.Outcome == models.OutcomePending {
			continue
		}
		agg := ensureAggregate(aggregates, rec.ActionType)
		agg.attempts++
		switch rec.Outcome {
		case models.OutcomeSuccess:
			agg.successes++
		case models.OutcomeFailure:
			agg.failures++
			if now.Sub(rec.Timestamp) <= a.recent {
				agg.recentFailures++
			}
			if rec.Timestamp.After(agg.lastFailure) {
				agg.lastFailure = rec.Timestamp
			}
		}
	}

	for action, agg := range aggregates {
		report.trends[action] = agg.trend(action)
	}
	if len(aggregates) > 0 {
		a.logger.Debug("trend analysis complete", slog.Int("action_types", len(aggregates)))
	}
	return report
}

type actionAggregate struct {
	attempts       int
	successes      int
	failures       int
	recentFailures int
	lastFailure    time.Time
}

func ensureAggregate(m map[models.ActionType]*actionAggregate, action models.ActionType) *actionAggregate {
	agg, ok := m[action]
	if !ok {
		agg = &actionAggregate{}
		m[action] = agg
	}
	return agg
}

func (agg *actionAggregate) trend(action models.ActionType) Trend {
	prior := action.Meta().BaseReliability
	rate := (float64(agg.successes) + priorWeight*prior) / (float64(agg.attempts) + priorWeight)
	penalty := penaltyPerFailure * float64(agg.recentFailures)
	if penalty > maxPenalty {
		penalty = maxPenalty
	}
	rate *= 1 - penalty
	return Trend{
		Action:         action,
		Attempts:       agg.attempts,
		Successes:      agg.successes,
		Failures:       agg.failures,
		RecentFailures: agg.recentFailures,
		LastFailure:    agg.lastFailure,
		SuccessRate:    rate,
	}
}
