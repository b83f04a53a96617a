package admission

import "github.com/codewandler/clstr-dispatch/core/metrics"

// AdmissionMetrics defines the metrics interface for handshake admission.
// All methods are thread-safe.
type AdmissionMetrics interface {
	// AcquireDuration measures how long a caller waited for a slot.
	// kind is "local" or "remote".
	AcquireDuration(kind string) metrics.Timer
	AcquireCompleted(kind string, success bool)

	// Outstanding is the number of granted, unreleased slots of a budget.
	Outstanding(budget string, count int)

	// LeaseExpired counts remote leases reclaimed by the server.
	LeaseExpired()
}

type nopAdmissionMetrics struct{}

func (nopAdmissionMetrics) AcquireDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopAdmissionMetrics) AcquireCompleted(string, bool)        {}
func (nopAdmissionMetrics) Outstanding(string, int)              {}
func (nopAdmissionMetrics) LeaseExpired()                        {}

// NopAdmissionMetrics returns a no-op AdmissionMetrics implementation.
func NopAdmissionMetrics() AdmissionMetrics { return nopAdmissionMetrics{} }
