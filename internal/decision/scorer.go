package decision

import (
	"math"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Confidence factor names.
const (
	FactorBaseReliability   = "base_reliability"
	FactorHistoricalSuccess = "historical_success"
	FactorSignalSeverity    = "signal_severity"
	FactorCorroboration     = "corroboration"
	FactorBlastBudget       = "blast_budget"
)

// Signals are the inputs one confidence computation sees.
type Signals struct {
	Action   models.ActionType
	Severity models.Severity
	// Corroborating counts independent signals that agree on the decision.
	Corroborating int
	// Evidence, when positive, replaces the corroboration count (detector confidence).
	Evidence float64
	// HistoricalSuccess is the observed success rate of Action in [0,1].
	HistoricalSuccess float64
	// BlastBudget is the remaining blast-radius budget in [0,1].
	BlastBudget float64
}

// Scorer turns Signals into a ConfidenceScore. Implementations must return a value
// in [0,1].
type Scorer interface {
	Score(Signals) models.ConfidenceScore
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(Signals) models.ConfidenceScore

// Score implements Scorer.
func (f ScorerFunc) Score(s Signals) models.ConfidenceScore { return f(s) }

// Weights configures WeightedScorer. Weights are normalized, so only ratios matter.
type Weights struct {
	BaseReliability   float64 `yaml:"base_reliability"`
	HistoricalSuccess float64 `yaml:"historical_success"`
	SignalSeverity    float64 `yaml:"signal_severity"`
	Corroboration     float64 `yaml:"corroboration"`
	BlastBudget       float64 `yaml:"blast_budget"`
}

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{
		BaseReliability:   0.30,
		HistoricalSuccess: 0.25,
		SignalSeverity:    0.20,
		Corroboration:     0.10,
		BlastBudget:       0.15,
	}
}

// WeightedScorer is a normalized weighted sum over the five confidence factors.
type WeightedScorer struct {
	weights Weights
}

// NewWeightedScorer builds a scorer. Negative weights are clamped to zero; an all-zero
// set falls back to DefaultWeights.
func NewWeightedScorer(w Weights) *WeightedScorer {
	w.BaseReliability = math.Max(0, w.BaseReliability)
	w.HistoricalSuccess = math.Max(0, w.HistoricalSuccess)
	w.SignalSeverity = math.Max(0, w.SignalSeverity)
	w.Corroboration = math.Max(0, w.Corroboration)
	w.BlastBudget = math.Max(0, w.BlastBudget)
	total := w.BaseReliability + w.HistoricalSuccess + w.SignalSeverity + w.Corroboration + w.BlastBudget
	if total == 0 {
		w = DefaultWeights()
		total = 1
	}
	w.BaseReliability /= total
	w.HistoricalSuccess /= total
	w.SignalSeverity /= total
	w.Corroboration /= total
	w.BlastBudget /= total
	return &WeightedScorer{weights: w}
}

// Weights returns the normalized weights.
func (s *WeightedScorer) Weights() Weights { return s.weights }

// Score implements Scorer.
func (s *WeightedScorer) Score(in Signals) models.ConfidenceScore {
	corroboration := math.Min(1, float64(in.Corroborating)/3.0)
	if in.Evidence > 0 {
		corroboration = clamp(in.Evidence, 0, 1)
	}
	factors := []models.ConfidenceFactor{
		{Name: FactorBaseReliability, Value: in.Action.Meta().BaseReliability, Weight: s.weights.BaseReliability},
		{Name: FactorHistoricalSuccess, Value: clamp(in.HistoricalSuccess, 0, 1), Weight: s.weights.HistoricalSuccess},
		{Name: FactorSignalSeverity, Value: in.Severity.Weight(), Weight: s.weights.SignalSeverity},
		{Name: FactorCorroboration, Value: corroboration, Weight: s.weights.Corroboration},
		{Name: FactorBlastBudget, Value: clamp(in.BlastBudget, 0, 1), Weight: s.weights.BlastBudget},
	}
	value := 0.0
	for _, f := range factors {
		value += f.Value * f.Weight
	}
	return models.ConfidenceScore{Value: clamp(value, 0, 1), Factors: factors}
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
