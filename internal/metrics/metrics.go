package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful cycles, actions and collections.
	OutcomeSuccess = "success"
	// OutcomeError labels failed cycles, actions and collections.
	OutcomeError = "error"
)

const namespace = "mirador_autopilot"

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of OODA cycles run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "OODA cycle latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions routed by the autonomy gate, partitioned by action and routing.",
		},
		[]string{"action", "routing"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "External action attempts, partitioned by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies flagged by the detector, partitioned by severity.",
		},
		[]string{"severity"},
	)

	collectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_total",
			Help:      "Metric collections per endpoint, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	selfHealingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_healing_total",
			Help:      "Self-healing requests, partitioned by action and routing.",
		},
		[]string{"action", "routing"},
	)

	killSwitch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kill_switch_engaged",
			Help:      "1 when the kill switch blocks automated actions.",
		},
	)

	pendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Decisions waiting for approval.",
		},
	)

	monitorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_state",
			Help:      "1 for the monitoring loop's current lifecycle state.",
		},
		[]string{"state"},
	)
)

// Register attaches mirador-autopilot collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		decisionsTotal,
		actionsTotal,
		anomaliesTotal,
		collectionsTotal,
		selfHealingTotal,
		killSwitch,
		pendingApprovals,
		monitorState,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	cyclesTotal.WithLabelValues(normalize(outcome)).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// RecordDecision counts one routed decision.
func RecordDecision(action, routing string) {
	decisionsTotal.WithLabelValues(action, routing).Inc()
}

// RecordAction counts one external action attempt.
func RecordAction(action, outcome string) {
	actionsTotal.WithLabelValues(action, normalize(outcome)).Inc()
}

// RecordAnomaly counts one flagged anomaly.
func RecordAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// RecordCollection counts one endpoint collection.
func RecordCollection(outcome string) {
	collectionsTotal.WithLabelValues(normalize(outcome)).Inc()
}

// RecordSelfHealing counts one self-healing request.
func RecordSelfHealing(action, routing string) {
	selfHealingTotal.WithLabelValues(action, routing).Inc()
}

// SetKillSwitch publishes the kill switch state.
func SetKillSwitch(engaged bool) {
	if engaged {
		killSwitch.Set(1)
		return
	}
	killSwitch.Set(0)
}

// SetPendingApprovals publishes the approval queue depth.
func SetPendingApprovals(n int) {
	pendingApprovals.Set(float64(n))
}

// SetMonitorState marks state as current and clears the others.
func SetMonitorState(state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		monitorState.WithLabelValues(s).Set(value)
	}
}

func normalize(outcome string) string {
	if outcome != OutcomeError {
		return OutcomeSuccess
	}
	return OutcomeError
}
