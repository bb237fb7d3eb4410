package repl

import (
	"context"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/metrics"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/sel"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/topo"
)

// applier drains the queue and applies entries to the target. Batches and the
// filter cache are owned by its goroutine.
type applier struct {
	target   Target
	filter   *sel.Filter
	failures FailureHandler
	lag      *LagMonitor
	queue    *Queue
	opts     Options

	batches map[string]*namespaceBatch
	order   []string // namespaces in order of first write

	applied    *atomic.Int64
	lastOpTime *atomic.Uint64
	pendingOps int
}

func newApplier(r *Replicator, queue *Queue) *applier {
	return &applier{
		target:     r.target,
		filter:     r.filter,
		failures:   r.failures,
		lag:        r.lag,
		queue:      queue,
		opts:       r.opts,
		batches:    make(map[string]*namespaceBatch),
		applied:    &r.eventsApplied,
		lastOpTime: &r.lastOpTime,
	}
}

func (a *applier) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return a.shutdown(ctx)
		}

		e, ok := a.queue.TryDequeue()
		if !ok {
			err := a.flushAll(ctx)
			if err != nil {
				return a.fail(ctx, err)
			}

			e, err = a.queue.Wait(ctx, a.opts.IdleInterval)
			if err != nil {
				if errors.Is(err, ErrQueueClosed) {
					return nil
				}

				return a.shutdown(ctx)
			}

			if e == nil {
				continue
			}
		}

		a.lastOpTime.Store(packTS(e.TS))
		metrics.SetLastAppliedTimestamp(e.TS.T)
		a.lag.Observe(ctx, e)

		err := a.handle(ctx, e)
		if err != nil {
			return a.fail(ctx, err)
		}
	}
}

// fail returns err unless it was caused by cancellation, in which case it shuts down.
func (a *applier) fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return a.shutdown(ctx)
	}

	return err
}

// shutdown flushes pending batches with a fresh deadline.
func (a *applier) shutdown(ctx context.Context) error {
	if a.pendingOps == 0 {
		return nil
	}

	log.Ctx(ctx).With(log.Count(int64(a.pendingOps))).Info("Flushing pending writes before shutdown")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.ShutdownTimeout)
	defer cancel()

	err := a.flushAll(ctx)

	return errors.Wrap(err, "flush on shutdown")
}

func (a *applier) handle(ctx context.Context, e *oplog.Entry) error {
	// applyOps is filtered per inner entry, not by its own namespace
	if !e.IsApplyOps() && !a.filter.Allowed(e.NS) {
		metrics.IncEventsSkipped("excluded")

		return nil
	}

	act, err := oplog.Translate(e)
	if err != nil {
		return err //nolint:wrapcheck
	}

	switch act := act.(type) {
	case oplog.Write:
		return a.write(ctx, e, act)

	case oplog.Run:
		if act.Target != nil && !a.filter.Allowed(act.Target.String()) {
			metrics.IncEventsSkipped("excluded")

			return nil
		}

		return a.runCommand(ctx, e, act)

	case oplog.Apply:
		for _, inner := range act.Entries {
			err := a.handle(ctx, inner)
			if err != nil {
				return err
			}
		}

	case oplog.Skip:
		metrics.IncEventsSkipped(act.Reason)
	}

	return nil
}

func (a *applier) write(ctx context.Context, e *oplog.Entry, w oplog.Write) error {
	key := w.NS.String()

	b := a.batches[key]
	if b == nil {
		b = newNamespaceBatch(w.NS, a.opts.BatchSize)
		a.batches[key] = b
		a.order = append(a.order, key)
	}

	if !b.fits(w.Size, a.opts.BatchMaxBytes) {
		err := a.flush(ctx, b)
		if err != nil {
			return err
		}
	}

	b.add(e, w.Model, w.Size)
	a.pendingOps++
	metrics.SetReplPendingOps(a.pendingOps)

	if b.Len() >= a.opts.BatchSize {
		return a.flush(ctx, b)
	}

	return nil
}

func (a *applier) runCommand(ctx context.Context, e *oplog.Entry, run oplog.Run) error {
	// writes buffered before the command must land first
	err := a.flushAll(ctx)
	if err != nil {
		return err
	}

	name := ""
	if len(run.Command) != 0 {
		name = run.Command[0].Key
	}

	lg := log.Ctx(ctx).With(log.NS(run.Database, ""), log.Op(name), log.OpTime(e.TS.T, e.TS.I))

	err = topo.RunWithRetry(ctx, func(ctx context.Context) error {
		return a.target.RunCommand(ctx, run.Database, run.Command)
	}, a.opts.RetryInterval, a.opts.MaxRetries)
	if err != nil {
		if topo.IsIdempotentCommandError(err) {
			lg.Warnf("Command already applied on target, skipped: %v", err)
			metrics.IncEventsSkipped("idempotent_command")

			return nil
		}

		return errors.Wrapf(err, "run %s on %q", name, run.Database)
	}

	lg.Debug("Command applied")
	metrics.IncCommandsApplied()
	a.applied.Add(1)

	return nil
}

func (a *applier) flushAll(ctx context.Context) error {
	for _, key := range a.order {
		b := a.batches[key]
		if b.Empty() {
			continue
		}

		err := a.flush(ctx, b)
		if err != nil {
			return err
		}
	}

	return nil
}

// flush runs one ordered bulk write for the batch. When the bulk write reports
// write errors, the writes from the first failed one on are replayed one by one.
func (a *applier) flush(ctx context.Context, b *namespaceBatch) error {
	start := time.Now()
	size := b.Len()

	applied, err := a.bulkWrite(ctx, b)
	if err != nil {
		return err
	}

	b.reset()
	a.pendingOps -= size

	elapsed := time.Since(start)
	a.applied.Add(int64(applied))
	metrics.AddEventsApplied(applied)
	metrics.ObserveReplFlushBatchSize(size)
	metrics.ObserveReplFlushDuration(elapsed)
	metrics.SetReplPendingOps(a.pendingOps)

	log.Ctx(ctx).With(
		log.NS(b.ns.Database, b.ns.Collection),
		log.Count(int64(applied)),
		log.Elapsed(elapsed),
	).Trace("Batch flushed")

	return nil
}

func (a *applier) bulkWrite(ctx context.Context, b *namespaceBatch) (int, error) {
	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		return a.target.BulkWrite(ctx, b.ns, b.models)
	}, a.opts.RetryInterval, a.opts.MaxRetries)
	if err == nil {
		return b.Len(), nil
	}

	bwe, ok := errors.AsType[mongo.BulkWriteException](err)
	if !ok || len(bwe.WriteErrors) == 0 {
		return 0, errors.Wrapf(err, "bulk write %q", b.ns)
	}

	// ordered: writes before the first failed one are applied, the rest did not run
	failed := bwe.WriteErrors[0].Index
	if failed < 0 || failed >= b.Len() {
		return 0, errors.Wrapf(err, "bulk write %q", b.ns)
	}

	applied := failed

	for i := failed; i < b.Len(); i++ {
		ok, err := a.writeOne(ctx, b, i)
		if err != nil {
			return applied, err
		}

		if ok {
			applied++
		}
	}

	return applied, nil
}

// writeOne applies the i-th write of the batch alone. Returns false when the
// write was suppressed or abandoned.
func (a *applier) writeOne(ctx context.Context, b *namespaceBatch, i int) (bool, error) {
	e := b.entries[i]

	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		return a.target.BulkWrite(ctx, b.ns, b.models[i:i+1])
	}, a.opts.RetryInterval, a.opts.MaxRetries)
	if err == nil {
		return true, nil
	}

	if topo.IsDuplicateKey(err) {
		metrics.IncDuplicateKey()
		log.Ctx(ctx).With(
			log.NS(b.ns.Database, b.ns.Collection),
			log.Op(string(e.Op)),
			log.OpTime(e.TS.T, e.TS.I),
		).Debug("Duplicate key, skipped")

		return false, nil
	}

	if _, ok := errors.AsType[mongo.BulkWriteException](err); !ok {
		return false, errors.Wrapf(err, "write %q", b.ns)
	}

	metrics.IncAbandonedOps()
	a.failures.Abandon(ctx, e, err)

	return false, nil
}
