// Package anomaly scores numeric metric streams with an ensemble of rolling
// statistical detectors.
package anomaly

import (
	"math"
	"sync"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Config tunes the detector ensemble.
type Config struct {
	// Window is the number of accepted samples retained per metric.
	Window int
	// MinSamples must be accepted before any method votes.
	MinSamples int
	ZThreshold float64
	// MADThreshold applies to the robust z (0.6745·|x−median|/MAD).
	MADThreshold       float64
	SeasonalThreshold  float64
	SeasonalMinSamples int
	// AdaptAfter consecutive anomalies are folded into the baseline as a level shift.
	AdaptAfter int
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Window:             100,
		MinSamples:         20,
		ZThreshold:         3.0,
		MADThreshold:       3.5,
		SeasonalThreshold:  3.0,
		SeasonalMinSamples: 5,
		AdaptAfter:         5,
	}
}

func (c *Config) normalise() {
	def := DefaultConfig()
	if c.Window <= 1 {
		c.Window = def.Window
	}
	if c.MinSamples <= 1 {
		c.MinSamples = def.MinSamples
	}
	if c.MinSamples > c.Window {
		c.MinSamples = c.Window
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = def.ZThreshold
	}
	if c.MADThreshold <= 0 {
		c.MADThreshold = def.MADThreshold
	}
	if c.SeasonalThreshold <= 0 {
		c.SeasonalThreshold = def.SeasonalThreshold
	}
	if c.SeasonalMinSamples <= 1 {
		c.SeasonalMinSamples = def.SeasonalMinSamples
	}
	if c.AdaptAfter <= 0 {
		c.AdaptAfter = def.AdaptAfter
	}
}

// MetricStats is the read-only view of one metric's rolling statistics.
type MetricStats struct {
	Key                  string
	Count                int
	Mean                 float64
	StdDev               float64
	Median               float64
	ConsecutiveAnomalies int
}

// series is the rolling state for one metric. Each has its own lock so metrics never
// contend with each other.
type series struct {
	mu          sync.Mutex
	window      *window
	seasonal    [24]bucket
	consecutive int
}

// Detector keeps per-metric rolling statistics and scores incoming samples.
type Detector struct {
	mu     sync.RWMutex
	cfg    Config
	series map[string]*series
}

// NewDetector constructs a detector; zero config fields take defaults.
func NewDetector(cfg Config) *Detector {
	cfg.normalise()
	return &Detector{cfg: cfg, series: make(map[string]*series)}
}

// SetZThreshold updates the z-score and seasonal thresholds at runtime.
func (d *Detector) SetZThreshold(z float64) {
	if z <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.ZThreshold = z
	d.cfg.SeasonalThreshold = z
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Key identifies a metric stream.
func Key(target, metric string) string {
	if target == "" {
		return metric
	}
	return target + "/" + metric
}

func (d *Detector) lookup(key string) (*series, Config) {
	d.mu.RLock()
	s, ok := d.series[key]
	cfg := d.cfg
	d.mu.RUnlock()
	if ok {
		return s, cfg
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok = d.series[key]; !ok {
		s = &series{window: newWindow(d.cfg.Window)}
		d.series[key] = s
	}
	return s, d.cfg
}

type vote struct {
	method    models.DetectionMethod
	score     float64
	threshold float64
}

func (v vote) anomalous() bool { return v.score >= v.threshold }

// Observe scores the sample against the metric's baseline and returns an anomaly when
// the ensemble agrees. Nothing is flagged until MinSamples have been accepted.
// Non-anomalous samples always update the baseline; anomalous ones only after
// AdaptAfter consecutive anomalies.
func (d *Detector) Observe(sample models.MetricSample) (models.MLAnomaly, bool) {
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return models.MLAnomaly{}, false
	}
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s, cfg := d.lookup(Key(sample.Target, sample.Metric))

	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.window.slice()
	hour := ts.UTC().Hour()
	if len(values) < cfg.MinSamples {
		s.accept(sample.Value, hour)
		return models.MLAnomaly{}, false
	}

	mean, std := meanStd(values)
	med, mad := medianAbsDeviation(values)
	votes := []vote{
		{
			method:    models.MethodZScore,
			score:     math.Abs(sample.Value-mean) / spreadFloor(std, mean),
			threshold: cfg.ZThreshold,
		},
		{
			method:    models.MethodMAD,
			score:     0.6745 * math.Abs(sample.Value-med) / spreadFloor(mad, med),
			threshold: cfg.MADThreshold,
		},
	}
	if b := s.seasonal[hour]; b.n >= cfg.SeasonalMinSamples {
		votes = append(votes, vote{
			method:    models.MethodSeasonal,
			score:     math.Abs(sample.Value-b.mean) / spreadFloor(b.std(), b.mean),
			threshold: cfg.SeasonalThreshold,
		})
	}

	result, flagged := ensemble(votes, sample, ts, mean, std, cfg, len(values))
	if flagged {
		s.consecutive++
		if s.consecutive >= cfg.AdaptAfter {
			s.accept(sample.Value, hour)
		}
		return result, true
	}
	s.consecutive = 0
	s.accept(sample.Value, hour)
	return models.MLAnomaly{}, false
}

func (s *series) accept(v float64, hour int) {
	s.window.push(v)
	s.seasonal[hour].add(v)
}

func ensemble(votes []vote, sample models.MetricSample, ts time.Time, mean, std float64, cfg Config, n int) (models.MLAnomaly, bool) {
	if len(votes) == 0 {
		return models.MLAnomaly{}, false
	}
	var (
		agreeing []models.DetectionMethod
		maxRatio float64
		maxScore float64
	)
	for _, v := range votes {
		if !v.anomalous() {
			continue
		}
		agreeing = append(agreeing, v.method)
		if ratio := v.score / v.threshold; ratio > maxRatio {
			maxRatio = ratio
			maxScore = v.score
		}
	}
	if len(agreeing) == 0 || len(agreeing)*2 < len(votes) {
		return models.MLAnomaly{}, false
	}

	method := models.MethodEnsemble
	if len(agreeing) == 1 {
		method = agreeing[0]
	}
	warmup := math.Min(1, float64(n)/float64(2*cfg.MinSamples))
	band := cfg.ZThreshold * spreadFloor(std, mean)
	return models.MLAnomaly{
		Metric:        sample.Metric,
		Target:        sample.Target,
		Value:         sample.Value,
		Baseline:      mean,
		ExpectedLow:   mean - band,
		ExpectedHigh:  mean + band,
		Score:         maxScore,
		Severity:      severityFor(maxRatio),
		Confidence:    float64(len(agreeing)) / float64(len(votes)) * warmup,
		Method:        method,
		VotingMethods: agreeing,
		Timestamp:     ts,
	}, true
}

// severityFor grades by how far past its threshold the strongest method is.
func severityFor(ratio float64) models.Severity {
	switch {
	case ratio >= 4:
		return models.SeverityCritical
	case ratio >= 2.5:
		return models.SeverityHigh
	case ratio >= 1.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Stats returns rolling statistics for one metric stream.
func (d *Detector) Stats(target, metric string) (MetricStats, bool) {
	key := Key(target, metric)
	d.mu.RLock()
	s, ok := d.series[key]
	d.mu.RUnlock()
	if !ok {
		return MetricStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.window.slice()
	mean, std := meanStd(values)
	return MetricStats{
		Key:                  key,
		Count:                len(values),
		Mean:                 mean,
		StdDev:               std,
		Median:               median(values),
		ConsecutiveAnomalies: s.consecutive,
	}, true
}

// Tracked reports how many metric streams hold state.
func (d *Detector) Tracked() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.series)
}
