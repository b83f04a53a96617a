package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-dispatch/core/metrics"
	"github.com/codewandler/clstr-dispatch/core/state"
)

// stateMetrics implements state.StateMetrics using Prometheus.
type stateMetrics struct {
	updateDuration *prometheus.HistogramVec
	updatesTotal   *prometheus.CounterVec
	cleanupRemoved *prometheus.CounterVec
}

// NewStateMetrics creates a new Prometheus implementation of StateMetrics.
func NewStateMetrics(reg prometheus.Registerer) state.StateMetrics {
	m := &stateMetrics{
		updateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_state_update_duration_seconds",
			Help:    "State cache update latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"kind"}),

		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_state_updates_total",
			Help: "Total number of state cache updates",
		}, []string{"kind", "success"}),

		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_state_cleanup_removed_total",
			Help: "Total number of cache keys removed by cleanup",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.updateDuration,
		m.updatesTotal,
		m.cleanupRemoved,
	)

	return m
}

func (m *stateMetrics) UpdateDuration(kind string) metrics.Timer {
	return newTimer(m.updateDuration.WithLabelValues(kind))
}

func (m *stateMetrics) UpdateCompleted(kind string, success bool) {
	m.updatesTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

func (m *stateMetrics) CleanupRemoved(reason string, count int) {
	m.cleanupRemoved.WithLabelValues(reason).Add(float64(count))
}

var _ state.StateMetrics = (*stateMetrics)(nil)
