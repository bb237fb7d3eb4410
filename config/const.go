package config

import (
	"time"

	"github.com/dustin/go-humanize"
)

// EnvPrefix is the prefix of every environment variable read by the replicator.
const EnvPrefix = "MMC"

const (
	// DisconnectTimeout bounds client disconnect on shutdown.
	DisconnectTimeout = 5 * time.Second
	// CloseCursorTimeout bounds closing the oplog cursor.
	CloseCursorTimeout = 10 * time.Second
	// DefaultMongoDBOperationTimeout is the default timeout for MongoDB client operations.
	DefaultMongoDBOperationTimeout = 5 * time.Minute
)

// Replication defaults.
const (
	DefaultReplQueueSize     = 1_000_000
	DefaultReplBatchSize     = 1000
	DefaultReplBatchMaxBytes = "16MiB"

	DefaultReplIdleInterval      = time.Second
	DefaultReplLagReportInterval = 5 * time.Second
	DefaultReplResumeWindow      = 5 * time.Minute
	DefaultShutdownTimeout       = 30 * time.Second

	// MaxReplBatchSize is the server-side limit of operations in one write batch.
	MaxReplBatchSize = 100_000

	MinReplBatchMaxBytes = humanize.KiByte
	// MaxReplBatchMaxBytes stays at the wire message size limit.
	MaxReplBatchMaxBytes = 48 * humanize.MByte
)

// DefaultDeadLetterSubject is the NATS subject used for abandoned operations.
const DefaultDeadLetterSubject = "migrate-mongo-cluster.deadletter"

// Retry policy for transient network errors.
const (
	DefaultRetryInterval = 100 * time.Millisecond
	DefaultMaxRetries    = 8
)
