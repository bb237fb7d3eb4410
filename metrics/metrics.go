package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "migrate_mongo_cluster"

// Counters.
var (
	//nolint:gochecknoglobals
	eventsReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "events_read_total",
		Help:      "Total number of oplog entries read from the source.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	eventsAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "events_applied_total",
		Help:      "Total number of write operations applied to the target.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	eventsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "events_skipped_total",
		Help:      "Total number of oplog entries not applied, by reason.",
		Namespace: metricNamespace,
	}, []string{"reason"})

	//nolint:gochecknoglobals
	commandsAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "commands_applied_total",
		Help:      "Total number of commands run on the target.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	duplicateKeyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "duplicate_key_total",
		Help:      "Total number of replayed operations suppressed on duplicate key.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	abandonedOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "abandoned_ops_total",
		Help:      "Total number of operations that could not be applied.",
		Namespace: metricNamespace,
	})
)

// Replication pipeline metrics.
var (
	//nolint:gochecknoglobals
	replEventQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "repl_event_queue_size",
		Help:      "Number of entries in the reader-to-applier queue.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	replPendingOps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "repl_pending_ops",
		Help:      "Number of buffered write operations not yet flushed.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	replFlushBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "repl_flush_batch_size",
		Help:      "Number of operations per bulk write flush.",
		Namespace: metricNamespace,
		Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	//nolint:gochecknoglobals
	replFlushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "repl_flush_duration_seconds",
		Help:      "Duration of bulk write flushes in seconds.",
		Namespace: metricNamespace,
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

// Gauges.
var (
	//nolint:gochecknoglobals
	lagTimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "lag_time_seconds",
		Help:      "Lag time in logical seconds between source and target clusters.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	lastAppliedTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "last_applied_timestamp_seconds",
		Help:      "Oplog time of the last entry handed to the applier.",
		Namespace: metricNamespace,
	})
)

// Init initializes and registers the metrics.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: metricNamespace,
	}))

	reg.MustRegister(
		eventsReadTotal,
		eventsAppliedTotal,
		eventsSkippedTotal,
		commandsAppliedTotal,
		duplicateKeyTotal,
		abandonedOpsTotal,

		lagTimeSeconds,
		lastAppliedTimestamp,

		replEventQueueSize,
		replPendingOps,
		replFlushBatchSize,
		replFlushDurationSeconds,
	)
}

// IncEventsRead increments the total number of events read counter.
func IncEventsRead() {
	eventsReadTotal.Inc()
}

// AddEventsApplied increments the total number of events applied counter.
func AddEventsApplied(v int) {
	eventsAppliedTotal.Add(float64(v))
}

// IncEventsSkipped increments the skipped events counter for the reason.
func IncEventsSkipped(reason string) {
	eventsSkippedTotal.WithLabelValues(reason).Inc()
}

// IncCommandsApplied increments the commands applied counter.
func IncCommandsApplied() {
	commandsAppliedTotal.Inc()
}

// IncDuplicateKey increments the suppressed duplicate key counter.
func IncDuplicateKey() {
	duplicateKeyTotal.Inc()
}

// IncAbandonedOps increments the abandoned operations counter.
func IncAbandonedOps() {
	abandonedOpsTotal.Inc()
}

// SetLagTimeSeconds sets the lag time in seconds gauge.
func SetLagTimeSeconds(v uint32) {
	lagTimeSeconds.Set(float64(v))
}

// SetLastAppliedTimestamp sets the oplog time of the last entry handed to the applier.
func SetLastAppliedTimestamp(t uint32) {
	lastAppliedTimestamp.Set(float64(t))
}

// SetReplEventQueueSize sets the current size of the reader-to-applier queue.
func SetReplEventQueueSize(v int) {
	replEventQueueSize.Set(float64(v))
}

// SetReplPendingOps sets the number of buffered write operations.
func SetReplPendingOps(v int) {
	replPendingOps.Set(float64(v))
}

// ObserveReplFlushBatchSize records the number of operations in a bulk write flush.
func ObserveReplFlushBatchSize(v int) {
	replFlushBatchSize.Observe(float64(v))
}

// ObserveReplFlushDuration records the duration of a bulk write flush.
func ObserveReplFlushDuration(d time.Duration) {
	replFlushDurationSeconds.Observe(d.Seconds())
}
