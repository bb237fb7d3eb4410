package metrics //nolint:testpackage

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//nolint:paralleltest
func TestInitRegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg)

	IncEventsRead()
	AddEventsApplied(3)
	IncEventsSkipped("blacklisted")
	IncDuplicateKey()
	IncAbandonedOps()
	IncCommandsApplied()
	SetLagTimeSeconds(60)
	SetLastAppliedTimestamp(1700000000)
	SetReplEventQueueSize(5)
	SetReplPendingOps(2)
	ObserveReplFlushBatchSize(1000)
	ObserveReplFlushDuration(20 * time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	gauges := make(map[string]float64)

	for _, f := range families {
		names[f.GetName()] = true

		if g := f.GetMetric()[0].GetGauge(); g != nil {
			gauges[f.GetName()] = g.GetValue()
		}
	}

	for _, name := range []string{
		"migrate_mongo_cluster_events_read_total",
		"migrate_mongo_cluster_events_applied_total",
		"migrate_mongo_cluster_events_skipped_total",
		"migrate_mongo_cluster_duplicate_key_total",
		"migrate_mongo_cluster_abandoned_ops_total",
		"migrate_mongo_cluster_lag_time_seconds",
		"migrate_mongo_cluster_repl_event_queue_size",
		"migrate_mongo_cluster_repl_flush_batch_size",
		"migrate_mongo_cluster_repl_flush_duration_seconds",
	} {
		assert.True(t, names[name], name)
	}

	assert.InDelta(t, 60, gauges["migrate_mongo_cluster_lag_time_seconds"], 0)
	assert.InDelta(t, 5, gauges["migrate_mongo_cluster_repl_event_queue_size"], 0)
}
