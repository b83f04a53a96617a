package state

import "github.com/codewandler/clstr-dispatch/core/metrics"

// StateMetrics defines the metrics interface for the state cache.
// All methods are thread-safe.
type StateMetrics interface {
	// Updates; kind is the event kind
	UpdateDuration(kind string) metrics.Timer
	UpdateCompleted(kind string, success bool)

	// Cleanup; reason is one of the Cleanup* reasons
	CleanupRemoved(reason string, count int)
}

type nopStateMetrics struct{}

func (nopStateMetrics) UpdateDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopStateMetrics) UpdateCompleted(string, bool)        {}
func (nopStateMetrics) CleanupRemoved(string, int)          {}

// NopStateMetrics returns a no-op StateMetrics implementation.
func NopStateMetrics() StateMetrics { return nopStateMetrics{} }
