package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewFleetMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFleetMetrics(reg)

	require.NotNil(t, m)

	timer := m.HandshakeDuration("identify")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.HandshakeCompleted("identify", true)
	m.HandshakeCompleted("resume", false)
	m.HandshakesInflight("cluster-0", 3)
	m.SessionInvalidated()
	m.HandshakeRetried("acquire")
	m.ShardsConnected("cluster-0", 16)

	names := gatherNames(t, reg)
	assert.True(t, names["dispatch_fleet_handshake_duration_seconds"])
	assert.True(t, names["dispatch_fleet_handshakes_total"])
	assert.True(t, names["dispatch_fleet_sessions_invalidated_total"])
	assert.True(t, names["dispatch_fleet_handshake_retries_total"])
	assert.True(t, names["dispatch_fleet_shards_connected"])

	fm := m.(*fleetMetrics)
	assert.Equal(t, float64(16), testutil.ToFloat64(fm.shardsConnected.WithLabelValues("cluster-0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(fm.sessionsInvalidated))
}

func TestNewAdmissionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAdmissionMetrics(reg)

	require.NotNil(t, m)

	timer := m.AcquireDuration("local")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.AcquireCompleted("remote", true)
	m.Outstanding("cluster-0", 2)
	m.LeaseExpired()

	names := gatherNames(t, reg)
	assert.True(t, names["dispatch_admission_acquire_duration_seconds"])
	assert.True(t, names["dispatch_admission_outstanding"])
	assert.True(t, names["dispatch_admission_leases_expired_total"])
}

func TestNewPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)

	m.EventProcessed("cluster-0", "READY")
	m.EventProcessed("cluster-0", "READY")
	m.StateUpdateFailed("timeout")
	m.NotificationSent("log", true)

	names := gatherNames(t, reg)
	assert.True(t, names["dispatch_pipeline_events_total"])
	assert.True(t, names["dispatch_pipeline_state_update_errors_total"])
	assert.True(t, names["dispatch_pipeline_notifications_total"])

	pm := m.(*pipelineMetrics)
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.eventsTotal.WithLabelValues("cluster-0", "READY")))
}

func TestNewStateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStateMetrics(reg)

	m.UpdateDuration("GUILD_CREATE").ObserveDuration()
	m.UpdateCompleted("GUILD_CREATE", true)
	m.CleanupRemoved("expired", 3)

	names := gatherNames(t, reg)
	assert.True(t, names["dispatch_state_update_duration_seconds"])
	assert.True(t, names["dispatch_state_cleanup_removed_total"])

	sm := m.(*stateMetrics)
	assert.Equal(t, float64(3), testutil.ToFloat64(sm.cleanupRemoved.WithLabelValues("expired")))
}

func TestNewJobMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetrics(reg)

	m.JobDuration("heartbeat").ObserveDuration()
	m.JobCompleted("heartbeat", false)

	names := gatherNames(t, reg)
	assert.True(t, names["dispatch_job_duration_seconds"])
	assert.True(t, names["dispatch_jobs_total"])
}

func TestNewAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllMetrics(reg)

	require.NotNil(t, m)
	require.NotNil(t, m.Fleet)
	require.NotNil(t, m.Admission)
	require.NotNil(t, m.Pipeline)
	require.NotNil(t, m.State)
	require.NotNil(t, m.Jobs)

	// All metrics should be usable
	m.Fleet.SessionInvalidated()
	m.Admission.LeaseExpired()
	m.Pipeline.StateUpdateFailed("error")
	m.Jobs.JobCompleted("status", true)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}
