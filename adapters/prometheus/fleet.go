package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-dispatch/core/fleet"
	"github.com/codewandler/clstr-dispatch/core/metrics"
)

// fleetMetrics implements fleet.FleetMetrics using Prometheus.
type fleetMetrics struct {
	handshakeDuration   *prometheus.HistogramVec
	handshakesTotal     *prometheus.CounterVec
	handshakesInflight  *prometheus.GaugeVec
	sessionsInvalidated prometheus.Counter
	handshakeRetries    *prometheus.CounterVec
	shardsConnected     *prometheus.GaugeVec
}

// NewFleetMetrics creates a new Prometheus implementation of FleetMetrics.
func NewFleetMetrics(reg prometheus.Registerer) fleet.FleetMetrics {
	m := &fleetMetrics{
		handshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_fleet_handshake_duration_seconds",
			Help:    "Gateway handshake duration in seconds",
			Buckets: handshakeBuckets,
		}, []string{"mode"}),

		handshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_fleet_handshakes_total",
			Help: "Total number of gateway handshakes",
		}, []string{"mode", "success"}),

		handshakesInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_fleet_handshakes_inflight",
			Help: "Number of handshakes currently in flight",
		}, []string{"cluster"}),

		sessionsInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_fleet_sessions_invalidated_total",
			Help: "Total number of resume attempts rejected by the gateway",
		}),

		handshakeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_fleet_handshake_retries_total",
			Help: "Total number of retried slot requests and handshakes",
		}, []string{"step"}),

		shardsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_fleet_shards_connected",
			Help: "Number of connected shards",
		}, []string{"cluster"}),
	}

	reg.MustRegister(
		m.handshakeDuration,
		m.handshakesTotal,
		m.handshakesInflight,
		m.sessionsInvalidated,
		m.handshakeRetries,
		m.shardsConnected,
	)

	return m
}

func (m *fleetMetrics) HandshakeDuration(mode string) metrics.Timer {
	return newTimer(m.handshakeDuration.WithLabelValues(mode))
}

func (m *fleetMetrics) HandshakeCompleted(mode string, success bool) {
	m.handshakesTotal.WithLabelValues(mode, boolToStr(success)).Inc()
}

func (m *fleetMetrics) HandshakesInflight(cluster string, count int) {
	m.handshakesInflight.WithLabelValues(cluster).Set(float64(count))
}

func (m *fleetMetrics) SessionInvalidated() {
	m.sessionsInvalidated.Inc()
}

func (m *fleetMetrics) HandshakeRetried(step string) {
	m.handshakeRetries.WithLabelValues(step).Inc()
}

func (m *fleetMetrics) ShardsConnected(cluster string, count int) {
	m.shardsConnected.WithLabelValues(cluster).Set(float64(count))
}

var _ fleet.FleetMetrics = (*fleetMetrics)(nil)
