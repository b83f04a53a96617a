package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-dispatch/core/pipeline"
)

// pipelineMetrics implements pipeline.PipelineMetrics using Prometheus.
type pipelineMetrics struct {
	eventsTotal        *prometheus.CounterVec
	stateUpdateErrors  *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
}

// NewPipelineMetrics creates a new Prometheus implementation of PipelineMetrics.
func NewPipelineMetrics(reg prometheus.Registerer) pipeline.PipelineMetrics {
	m := &pipelineMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_pipeline_events_total",
			Help: "Total number of gateway events processed",
		}, []string{"cluster", "kind"}),

		stateUpdateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_pipeline_state_update_errors_total",
			Help: "Total number of failed state cache updates",
		}, []string{"reason"}),

		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_pipeline_notifications_total",
			Help: "Total number of operator notifications",
		}, []string{"channel", "success"}),
	}

	reg.MustRegister(
		m.eventsTotal,
		m.stateUpdateErrors,
		m.notificationsTotal,
	)

	return m
}

func (m *pipelineMetrics) EventProcessed(cluster string, kind string) {
	m.eventsTotal.WithLabelValues(cluster, kind).Inc()
}

func (m *pipelineMetrics) StateUpdateFailed(reason string) {
	m.stateUpdateErrors.WithLabelValues(reason).Inc()
}

func (m *pipelineMetrics) NotificationSent(channel string, success bool) {
	m.notificationsTotal.WithLabelValues(channel, boolToStr(success)).Inc()
}

var _ pipeline.PipelineMetrics = (*pipelineMetrics)(nil)
