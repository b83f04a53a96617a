package fleet

import "github.com/codewandler/clstr-dispatch/core/metrics"

// FleetMetrics defines the metrics interface for cluster lifecycle.
// All methods are thread-safe.
type FleetMetrics interface {
	// Handshakes; mode is "identify" or "resume"
	HandshakeDuration(mode string) metrics.Timer
	HandshakeCompleted(mode string, success bool)
	HandshakesInflight(cluster string, count int)
	SessionInvalidated()
	// HandshakeRetried counts retries; step is "acquire" or "handshake".
	HandshakeRetried(step string)

	// Shards
	ShardsConnected(cluster string, count int)
}

type nopFleetMetrics struct{}

func (nopFleetMetrics) HandshakeDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopFleetMetrics) HandshakeCompleted(string, bool)        {}
func (nopFleetMetrics) HandshakesInflight(string, int)         {}
func (nopFleetMetrics) SessionInvalidated()                    {}
func (nopFleetMetrics) HandshakeRetried(string)                {}
func (nopFleetMetrics) ShardsConnected(string, int)            {}

// NopFleetMetrics returns a no-op FleetMetrics implementation.
func NopFleetMetrics() FleetMetrics { return nopFleetMetrics{} }
