package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-dispatch/core/admission"
	"github.com/codewandler/clstr-dispatch/core/metrics"
)

// admissionMetrics implements admission.AdmissionMetrics using Prometheus.
type admissionMetrics struct {
	acquireDuration *prometheus.HistogramVec
	acquiresTotal   *prometheus.CounterVec
	outstanding     *prometheus.GaugeVec
	leasesExpired   prometheus.Counter
}

// NewAdmissionMetrics creates a new Prometheus implementation of AdmissionMetrics.
func NewAdmissionMetrics(reg prometheus.Registerer) admission.AdmissionMetrics {
	m := &admissionMetrics{
		acquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_admission_acquire_duration_seconds",
			Help:    "Time spent waiting for a handshake slot in seconds",
			Buckets: handshakeBuckets,
		}, []string{"kind"}),

		acquiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_admission_acquires_total",
			Help: "Total number of handshake slot requests",
		}, []string{"kind", "success"}),

		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_admission_outstanding",
			Help: "Number of granted, unreleased handshake slots",
		}, []string{"budget"}),

		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_admission_leases_expired_total",
			Help: "Total number of leases reclaimed after their TTL",
		}),
	}

	reg.MustRegister(
		m.acquireDuration,
		m.acquiresTotal,
		m.outstanding,
		m.leasesExpired,
	)

	return m
}

func (m *admissionMetrics) AcquireDuration(kind string) metrics.Timer {
	return newTimer(m.acquireDuration.WithLabelValues(kind))
}

func (m *admissionMetrics) AcquireCompleted(kind string, success bool) {
	m.acquiresTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

func (m *admissionMetrics) Outstanding(budget string, count int) {
	m.outstanding.WithLabelValues(budget).Set(float64(count))
}

func (m *admissionMetrics) LeaseExpired() {
	m.leasesExpired.Inc()
}

var _ admission.AdmissionMetrics = (*admissionMetrics)(nil)
