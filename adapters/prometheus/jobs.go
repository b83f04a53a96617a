package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-dispatch/core/jobs"
	"github.com/codewandler/clstr-dispatch/core/metrics"
)

// jobMetrics implements jobs.JobMetrics using Prometheus.
type jobMetrics struct {
	jobDuration *prometheus.HistogramVec
	jobsTotal   *prometheus.CounterVec
}

// NewJobMetrics creates a new Prometheus implementation of JobMetrics.
func NewJobMetrics(reg prometheus.Registerer) jobs.JobMetrics {
	m := &jobMetrics{
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_job_duration_seconds",
			Help:    "Periodic job duration in seconds",
			Buckets: defaultBuckets,
		}, []string{"job"}),

		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_total",
			Help: "Total number of periodic job runs",
		}, []string{"job", "success"}),
	}

	reg.MustRegister(
		m.jobDuration,
		m.jobsTotal,
	)

	return m
}

func (m *jobMetrics) JobDuration(job string) metrics.Timer {
	return newTimer(m.jobDuration.WithLabelValues(job))
}

func (m *jobMetrics) JobCompleted(job string, success bool) {
	m.jobsTotal.WithLabelValues(job, boolToStr(success)).Inc()
}

var _ jobs.JobMetrics = (*jobMetrics)(nil)
