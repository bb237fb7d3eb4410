// Package repl replays the source cluster oplog onto the target cluster.
package repl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/config"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/sel"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/topo"
)

// ErrNoResumePoint is returned when the target oplog has no insert to resume from
// and no start timestamp is configured.
var ErrNoResumePoint = errors.New("no resume point: target oplog has no insert entry")

const defaultBatchMaxBytes = 16 * humanize.MiByte

// Cursor iterates source oplog records.
type Cursor = topo.Cursor

// Source is the cluster the oplog is read from.
type Source interface {
	// Tail opens a tailable cursor on entries after from, or at from when inclusive.
	Tail(ctx context.Context, from bson.Timestamp, inclusive bool) (Cursor, error)
	// LatestEntry returns the newest oplog entry.
	LatestEntry(ctx context.Context) (*oplog.Entry, error)
}

// Target is the cluster the oplog is applied to.
type Target interface {
	// BulkWrite runs an ordered bulk write on the namespace.
	BulkWrite(ctx context.Context, ns oplog.Namespace, models []mongo.WriteModel) error
	RunCommand(ctx context.Context, db string, cmd bson.D) error
	// LatestInsert returns the newest non-system insert in the target oplog,
	// or [topo.ErrNoOplogEntry].
	LatestInsert(ctx context.Context) (*oplog.Entry, error)
}

// FailureHandler receives operations that could not be applied and are dropped.
type FailureHandler interface {
	Abandon(ctx context.Context, e *oplog.Entry, err error)
}

// LogFailures logs abandoned operations.
type LogFailures struct{}

func (LogFailures) Abandon(ctx context.Context, e *oplog.Entry, err error) {
	ns := e.Namespace()

	log.Ctx(ctx).With(
		log.Op(string(e.Op)),
		log.NS(ns.Database, ns.Collection),
		log.OpTime(e.TS.T, e.TS.I),
	).Warnf("Abandoned operation: %v", err)
}

// Options configures a [Replicator]. Zero values take the defaults.
type Options struct {
	QueueSize         int
	BatchSize         int
	BatchMaxBytes     int
	IdleInterval      time.Duration
	LagReportInterval time.Duration
	ResumeWindow      time.Duration
	ShutdownTimeout   time.Duration

	// StartAt overrides the resume point computed from the target oplog.
	StartAt bson.Timestamp

	RetryInterval time.Duration
	MaxRetries    int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = config.DefaultReplQueueSize
	}

	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultReplBatchSize
	}

	if o.BatchMaxBytes <= 0 {
		o.BatchMaxBytes = defaultBatchMaxBytes
	}

	if o.IdleInterval <= 0 {
		o.IdleInterval = config.DefaultReplIdleInterval
	}

	if o.LagReportInterval <= 0 {
		o.LagReportInterval = config.DefaultReplLagReportInterval
	}

	if o.ResumeWindow <= 0 {
		o.ResumeWindow = config.DefaultReplResumeWindow
	}

	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = config.DefaultShutdownTimeout
	}

	if o.RetryInterval <= 0 {
		o.RetryInterval = topo.DefaultRetryInterval
	}

	if o.MaxRetries <= 0 {
		o.MaxRetries = topo.DefaultMaxRetries
	}

	return o
}

// Status represents the status of the replication.
type Status struct {
	StartTime   time.Time
	ResumedFrom bson.Timestamp

	LastReplicatedOpTime bson.Timestamp // Last entry handed to the applier
	EventsRead           int64          // Number of entries read from the source
	EventsApplied        int64          // Number of writes and commands applied
	LagSeconds           int64          // Last reported lag

	Err error
}

// Replicator reads the source oplog and applies it to the target. The reader and
// the applier run concurrently and share only the queue.
type Replicator struct {
	source   Source
	target   Target
	filter   *sel.Filter
	failures FailureHandler
	opts     Options

	lock        sync.Mutex
	startTime   time.Time
	resumedFrom bson.Timestamp
	err         error

	eventsRead    atomic.Int64
	eventsApplied atomic.Int64
	lastOpTime    atomic.Uint64
	lag           *LagMonitor
}

// New returns a Replicator. A nil filter allows every namespace and a nil
// failure handler logs abandoned operations.
func New(source Source, target Target, filter *sel.Filter, failures FailureHandler, opts Options) *Replicator {
	if filter == nil {
		filter = sel.NewFilter()
	}

	if failures == nil {
		failures = LogFailures{}
	}

	opts = opts.withDefaults()

	return &Replicator{
		source:   source,
		target:   target,
		filter:   filter,
		failures: failures,
		opts:     opts,
		lag:      NewLagMonitor(source, opts.LagReportInterval),
	}
}

// Run replicates until ctx is canceled or a fatal error occurs. Cancellation is
// not an error: pending batches are flushed and Run returns nil.
func (r *Replicator) Run(ctx context.Context) error {
	lg := log.New("repl")
	ctx = lg.WithContext(ctx)

	from, err := r.resumePoint(ctx)
	if err != nil {
		r.setErr(err)

		return err
	}

	r.lock.Lock()
	r.startTime = time.Now()
	r.resumedFrom = from
	r.lock.Unlock()

	lg.With(log.OpTime(from.T, from.I)).
		Infof("Starting replication from %s. Source oplog must still hold this point",
			formatTS(from))

	queue := NewQueue(r.opts.QueueSize)

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		rd := &reader{
			source: r.source,
			queue:  queue,
			opts:   r.opts,
			read:   &r.eventsRead,
		}

		return rd.run(log.New("repl:read").WithContext(grpCtx), from)
	})

	grp.Go(func() error {
		a := newApplier(r, queue)

		return a.run(log.New("repl:apply").WithContext(grpCtx))
	})

	err = grp.Wait()
	if err != nil {
		r.setErr(err)

		return err //nolint:wrapcheck
	}

	lg.Info("Replication stopped")

	return nil
}

// Status returns the current replication status.
func (r *Replicator) Status() Status {
	r.lock.Lock()
	defer r.lock.Unlock()

	return Status{
		StartTime:            r.startTime,
		ResumedFrom:          r.resumedFrom,
		LastReplicatedOpTime: unpackTS(r.lastOpTime.Load()),
		EventsRead:           r.eventsRead.Load(),
		EventsApplied:        r.eventsApplied.Load(),
		LagSeconds:           r.lag.Last(),
		Err:                  r.err,
	}
}

func (r *Replicator) setErr(err error) {
	r.lock.Lock()
	r.err = err
	r.lock.Unlock()
}

func (r *Replicator) resumePoint(ctx context.Context) (bson.Timestamp, error) {
	if !r.opts.StartAt.IsZero() {
		return r.opts.StartAt, nil
	}

	var latest *oplog.Entry

	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		var err error
		latest, err = r.target.LatestInsert(ctx)

		return err //nolint:wrapcheck
	}, r.opts.RetryInterval, r.opts.MaxRetries)
	if err != nil {
		if errors.Is(err, topo.ErrNoOplogEntry) {
			return bson.Timestamp{}, ErrNoResumePoint
		}

		return bson.Timestamp{}, errors.Wrap(err, "find resume point")
	}

	return ResumeFrom(latest.TS, r.opts.ResumeWindow), nil
}

// ResumeFrom returns the point window before latest, at increment 0.
func ResumeFrom(latest bson.Timestamp, window time.Duration) bson.Timestamp {
	secs := uint32(window / time.Second) //nolint:gosec
	if latest.T <= secs {
		return bson.Timestamp{}
	}

	return bson.Timestamp{T: latest.T - secs}
}

func packTS(ts bson.Timestamp) uint64 {
	return uint64(ts.T)<<32 | uint64(ts.I) //nolint:mnd
}

func unpackTS(v uint64) bson.Timestamp {
	return bson.Timestamp{T: uint32(v >> 32), I: uint32(v)} //nolint:gosec,mnd
}

func formatTS(ts bson.Timestamp) string {
	return time.Unix(int64(ts.T), 0).UTC().Format(time.RFC3339)
}
