package pipeline

// PipelineMetrics defines the metrics interface for event pipelines.
// All methods are thread-safe.
type PipelineMetrics interface {
	EventProcessed(cluster string, kind string)
	// StateUpdateFailed; reason is "timeout" or "error"
	StateUpdateFailed(reason string)
	NotificationSent(channel string, success bool)
}

type nopPipelineMetrics struct{}

func (nopPipelineMetrics) EventProcessed(string, string) {}
func (nopPipelineMetrics) StateUpdateFailed(string)      {}
func (nopPipelineMetrics) NotificationSent(string, bool) {}

// NopPipelineMetrics returns a no-op PipelineMetrics implementation.
func NopPipelineMetrics() PipelineMetrics { return nopPipelineMetrics{} }
