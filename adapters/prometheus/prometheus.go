// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the fleet, admission, pipeline, state and jobs packages.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-dispatch/core/metrics"
)

// newTimer starts a timer that records seconds into h.
func newTimer(h prometheus.Observer) metrics.Timer {
	return metrics.StartTimer(func(d time.Duration) { h.Observe(d.Seconds()) })
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// handshakeBuckets cover gateway handshakes, which take seconds.
var handshakeBuckets = []float64{
	.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AllMetrics holds Prometheus implementations for every component.
// Use this when you want to initialize metrics for your entire application at once.
type AllMetrics struct {
	Fleet     *fleetMetrics
	Admission *admissionMetrics
	Pipeline  *pipelineMetrics
	State     *stateMetrics
	Jobs      *jobMetrics
}

// NewAllMetrics creates Prometheus metrics for all components.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Fleet:     NewFleetMetrics(reg).(*fleetMetrics),
		Admission: NewAdmissionMetrics(reg).(*admissionMetrics),
		Pipeline:  NewPipelineMetrics(reg).(*pipelineMetrics),
		State:     NewStateMetrics(reg).(*stateMetrics),
		Jobs:      NewJobMetrics(reg).(*jobMetrics),
	}
}
