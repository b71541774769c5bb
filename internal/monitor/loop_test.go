package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/platform"
	"github.com/miradorstack/mirador-autopilot/internal/response"
)

type fakeCollector struct {
	name   string
	values map[string]float64
	err    error
	block  bool
	calls  atomic.Int32
}

func (c *fakeCollector) Name() string   { return c.name }
func (c *fakeCollector) Target() string { return c.name }

func (c *fakeCollector) Collect(ctx context.Context) (map[string]float64, error) {
	c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]float64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, nil
}

// thresholdDetector flags any sample above limit.
type thresholdDetector struct {
	limit float64
	calls atomic.Int32
}

func (d *thresholdDetector) Observe(s models.MetricSample) (models.MLAnomaly, bool) {
	d.calls.Add(1)
	if s.Value <= d.limit {
		return models.MLAnomaly{}, false
	}
	return models.MLAnomaly{
		Metric:   s.Metric,
		Target:   s.Target,
		Value:    s.Value,
		Severity: models.SeverityHigh,
	}, true
}

type recordingHandler struct {
	mu      sync.Mutex
	handled []models.MLAnomaly
	resets  []string
	fail    bool
}

func (h *recordingHandler) Handle(_ context.Context, a models.MLAnomaly) (response.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return response.Response{}, errors.New("gate unavailable")
	}
	h.handled = append(h.handled, a)
	return response.Response{Triggered: true, Action: models.ActionRestartService}, nil
}

func (h *recordingHandler) Reset(target, metric string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets = append(h.resets, target+"/"+metric)
}

func newLoop(cfg Config, collectors ...platform.MetricsCollector) *Loop {
	return New(collectors, &thresholdDetector{limit: 1000}, &recordingHandler{}, cfg, nil)
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	l := newLoop(Config{})

	out, err := l.Start()
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, StateStopped, out.From)
	assert.Equal(t, StateRunning, out.To)

	out, err = l.Start()
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, StateRunning, l.State())
}

func TestPauseFromStoppedIsRejected(t *testing.T) {
	l := newLoop(Config{})

	_, err := l.Pause()
	require.ErrorIs(t, err, ErrRejected)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pause", te.Op)
	assert.Equal(t, StateStopped, l.State())
}

func TestLifecycle(t *testing.T) {
	l := newLoop(Config{})

	_, err := l.Resume()
	require.ErrorIs(t, err, ErrRejected)

	_, err = l.Start()
	require.NoError(t, err)
	out, err := l.Pause()
	require.NoError(t, err)
	assert.Equal(t, StatePaused, out.To)

	_, err = l.Start()
	require.ErrorIs(t, err, ErrRejected, "start while paused needs resume")

	out, err = l.Pause()
	require.NoError(t, err)
	assert.False(t, out.Changed)

	out, err = l.Resume()
	require.NoError(t, err)
	assert.Equal(t, StateRunning, out.To)

	out, err = l.Stop()
	require.NoError(t, err)
	assert.True(t, out.Changed)
	out, err = l.Stop()
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, "monitoring already stopped", out.Message)
}

func TestTickDoesNothingUnlessRunning(t *testing.T) {
	c := &fakeCollector{name: "api", values: map[string]float64{"latency_ms": 50}}
	l := newLoop(Config{}, c)

	assert.False(t, l.Tick(context.Background()))
	assert.Zero(t, c.calls.Load())

	_, _ = l.Start()
	assert.True(t, l.Tick(context.Background()))
	assert.EqualValues(t, 1, c.calls.Load())

	_, _ = l.Pause()
	assert.False(t, l.Tick(context.Background()))
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestEndpointFailuresAreIsolated(t *testing.T) {
	good := &fakeCollector{name: "api", values: map[string]float64{"latency_ms": 50}}
	bad := &fakeCollector{name: "db", err: errors.New("connection refused")}
	slow := &fakeCollector{name: "cache", block: true}
	l := newLoop(Config{EndpointTimeout: 20 * time.Millisecond, ErrorThreshold: 1}, good, bad, slow)
	_, _ = l.Start()

	res := l.Collect(context.Background())
	require.Len(t, res.Snapshots, 3)
	assert.Empty(t, res.Snapshots[0].Err)
	assert.Equal(t, 50.0, res.Snapshots[0].Metrics["latency_ms"])
	assert.Contains(t, res.Snapshots[1].Err, "connection refused")
	assert.NotEmpty(t, res.Snapshots[2].Err)

	stats := l.Stats()
	assert.EqualValues(t, 3, stats.CollectionsAttempted)
	assert.EqualValues(t, 1, stats.CollectionsSucceeded)
	assert.EqualValues(t, 2, stats.CollectionsFailed)
	assert.Zero(t, stats.ConsecutiveErrors)
	assert.Equal(t, StateRunning, l.State())
}

func TestErrorThresholdPausesThenResumes(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bad := &fakeCollector{name: "api", err: errors.New("timeout")}
	l := newLoop(Config{ErrorThreshold: 2, ErrorCooldown: time.Minute}, bad)
	l.SetClock(func() time.Time { return now })
	_, _ = l.Start()
	ctx := context.Background()

	assert.True(t, l.Tick(ctx))
	assert.Equal(t, StateRunning, l.State())
	assert.True(t, l.Tick(ctx))
	assert.Equal(t, StateError, l.State())

	assert.False(t, l.Tick(ctx))
	assert.Equal(t, StatePaused, l.State())
	assert.Equal(t, now.Add(time.Minute), l.Stats().AutoResumeAt)

	now = now.Add(30 * time.Second)
	assert.False(t, l.Tick(ctx))
	assert.Equal(t, StatePaused, l.State())
	assert.EqualValues(t, 2, bad.calls.Load())

	now = now.Add(31 * time.Second)
	bad.err = nil
	bad.values = map[string]float64{"up": 1}
	assert.True(t, l.Tick(ctx))
	assert.Equal(t, StateRunning, l.State())
	assert.Zero(t, l.Stats().ConsecutiveErrors)
	assert.True(t, l.Stats().AutoResumeAt.IsZero())
}

func TestManualPauseDoesNotAutoResume(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newLoop(Config{ErrorCooldown: time.Second}, &fakeCollector{name: "api"})
	l.SetClock(func() time.Time { return now })
	_, _ = l.Start()
	_, _ = l.Pause()

	now = now.Add(time.Hour)
	assert.False(t, l.Tick(context.Background()))
	assert.Equal(t, StatePaused, l.State())
}

func TestResumeFromErrorIsEarly(t *testing.T) {
	bad := &fakeCollector{name: "api", err: errors.New("down")}
	l := newLoop(Config{ErrorThreshold: 1}, bad)
	_, _ = l.Start()
	l.Tick(context.Background())
	require.Equal(t, StateError, l.State())

	out, err := l.Resume()
	require.NoError(t, err)
	assert.Equal(t, StateError, out.From)
	assert.Equal(t, StateRunning, l.State())
}

func TestAnomaliesRouteToHandler(t *testing.T) {
	c := &fakeCollector{name: "api", values: map[string]float64{"latency_ms": 5000, "cpu": 20}}
	handler := &recordingHandler{}
	l := New([]platform.MetricsCollector{c}, &thresholdDetector{limit: 1000}, handler, Config{AnomalyDetection: true}, nil)

	res := l.Collect(context.Background())
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "latency_ms", res.Anomalies[0].Metric)
	assert.Equal(t, 1, res.Triggered)

	require.Len(t, handler.handled, 1)
	assert.Equal(t, []string{"api/cpu"}, handler.resets)

	stats := l.Stats()
	assert.EqualValues(t, 1, stats.AnomaliesDetected)
	assert.EqualValues(t, 1, stats.SelfHealingTriggered)
}

func TestHandlerErrorsDoNotStopScoring(t *testing.T) {
	c := &fakeCollector{name: "api", values: map[string]float64{"a": 2000, "b": 3000}}
	handler := &recordingHandler{fail: true}
	l := New([]platform.MetricsCollector{c}, &thresholdDetector{limit: 1000}, handler, Config{AnomalyDetection: true}, nil)

	res := l.Collect(context.Background())
	assert.Len(t, res.Anomalies, 2)
	assert.Zero(t, res.Triggered)
	assert.EqualValues(t, 2, l.Stats().AnomaliesDetected)
}

func TestDetectionDisabledSkipsScoring(t *testing.T) {
	c := &fakeCollector{name: "api", values: map[string]float64{"latency_ms": 5000}}
	det := &thresholdDetector{limit: 1000}
	l := New([]platform.MetricsCollector{c}, det, &recordingHandler{}, Config{AnomalyDetection: false}, nil)

	res := l.Collect(context.Background())
	assert.Empty(t, res.Anomalies)
	assert.Zero(t, det.calls.Load())

	l.SetAnomalyDetection(true)
	res = l.Collect(context.Background())
	assert.Len(t, res.Anomalies, 1)
}

func TestHistoryIsBounded(t *testing.T) {
	c := &fakeCollector{name: "api", values: map[string]float64{"v": 1}}
	l := newLoop(Config{HistorySize: 3}, c)
	for i := 0; i < 5; i++ {
		c.values = map[string]float64{"v": float64(i)}
		l.Collect(context.Background())
	}
	h := l.History("api")
	require.Len(t, h, 3)
	assert.Equal(t, 2.0, h[0].Metrics["v"])
	assert.Equal(t, 4.0, h[2].Metrics["v"])

	recent := l.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, 4.0, recent[0].Metrics["v"])
}

func TestSetIntervalIgnoresNonPositive(t *testing.T) {
	l := newLoop(Config{Interval: 10 * time.Second})
	l.SetInterval(0)
	assert.Equal(t, 10*time.Second, l.Interval())
	l.SetInterval(20 * time.Second)
	assert.Equal(t, 20*time.Second, l.Interval())
}
