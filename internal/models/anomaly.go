package models

import "time"

// DetectionMethod names one detector in the ensemble.
type DetectionMethod string

const (
	MethodZScore   DetectionMethod = "zscore"
	MethodMAD      DetectionMethod = "mad"
	MethodSeasonal DetectionMethod = "seasonal"
	MethodEnsemble DetectionMethod = "ensemble"
)

// MLAnomaly is produced for one unusual metric sample.
type MLAnomaly struct {
	Metric        string
	Target        string
	Value         float64
	Baseline      float64
	ExpectedLow   float64
	ExpectedHigh  float64
	Score         float64
	Severity      Severity
	Confidence    float64
	Method        DetectionMethod
	VotingMethods []DetectionMethod
	Timestamp     time.Time
}

// MetricSample is one numeric reading collected by the monitoring loop.
type MetricSample struct {
	Endpoint  string
	Target    string
	Metric    string
	Value     float64
	Timestamp time.Time
}
