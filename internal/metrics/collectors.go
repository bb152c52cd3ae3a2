package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lightning"

// Collectors holds every orchestration metric. It is created once per
// registry; events.MetricsEventListener is its only writer.
type Collectors struct {
	// BundlesTotal counts bundle outcomes by role and outcome
	// (finished, failed, force_cancelled, abandoned).
	BundlesTotal *prometheus.CounterVec
	// SignalFiredTotal counts how often the shared signal was fired, by strategy.
	SignalFiredTotal *prometheus.CounterVec
	// EscalationStepsTotal counts shutdown escalation steps taken.
	EscalationStepsTotal *prometheus.CounterVec
	// ProcessExitsTotal counts child process exits by whether the code was accepted.
	ProcessExitsTotal *prometheus.CounterVec
	// RolloutsTotal counts rollouts executed by runners, by final status.
	RolloutsTotal *prometheus.CounterVec
	// RolloutDuration observes rollout execution time.
	RolloutDuration *prometheus.HistogramVec
	// HeartbeatsTotal counts worker heartbeats by result (ok, error).
	HeartbeatsTotal *prometheus.CounterVec
	// ActiveBundles tracks bundles currently running, by role.
	ActiveBundles *prometheus.GaugeVec
}

// NewCollectors creates and registers the collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		BundlesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_total",
			Help:      "Bundle completions by role and outcome",
		}, []string{"role", "outcome"}),
		SignalFiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_fired_total",
			Help:      "Times the shared cancellation signal was fired",
		}, []string{"strategy"}),
		EscalationStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_steps_total",
			Help:      "Shutdown escalation steps applied to child processes",
		}, []string{"step"}),
		ProcessExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Child process exits by acceptance",
		}, []string{"accepted"}),
		RolloutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollouts_total",
			Help:      "Rollouts executed by runners, by final status",
		}, []string{"status"}),
		RolloutDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollout_duration_seconds",
			Help:      "Rollout execution time",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"status"}),
		HeartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Worker heartbeats by result",
		}, []string{"result"}),
		ActiveBundles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_bundles",
			Help:      "Bundles currently running",
		}, []string{"role"}),
	}
}
