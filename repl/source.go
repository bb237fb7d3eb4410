package repl

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/config"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/metrics"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/topo"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/util"
)

// reader tails the source oplog into the queue. It closes the queue when it stops.
type reader struct {
	source Source
	queue  *Queue
	opts   Options
	read   *atomic.Int64

	cur       Cursor
	last      bson.Timestamp
	inclusive bool
}

func (rd *reader) run(ctx context.Context, from bson.Timestamp) error {
	defer rd.queue.Close()
	defer rd.closeCursor(ctx)

	lg := log.Ctx(ctx)

	rd.last, rd.inclusive = from, true

	err := rd.open(ctx)
	if err != nil {
		return stopped(ctx, err)
	}

	progressEvery := int64(rd.queue.Cap())

	for {
		if rd.cur.TryNext(ctx) {
			e, err := oplog.Parse(slices.Clone(rd.cur.Current()))
			if err != nil {
				return errors.Wrap(err, "read oplog")
			}

			err = rd.queue.Enqueue(ctx, e)
			if err != nil {
				return stopped(ctx, err)
			}

			rd.last, rd.inclusive = e.TS, false
			metrics.IncEventsRead()

			if n := rd.read.Add(1); n%progressEvery == 0 {
				lg.With(log.OpTime(e.TS.T, e.TS.I)).
					Infof("Read %s oplog entries, queue %s/%s",
						humanize.Comma(n),
						humanize.Comma(int64(rd.queue.Len())),
						humanize.Comma(int64(rd.queue.Cap())))
			}

			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		err := rd.cur.Err()
		if err != nil && !topo.IsTransient(err) {
			return errors.Wrap(err, "read oplog")
		}

		if err != nil {
			lg.Warnf("Oplog cursor failed, reopening: %v", err)
		}

		if sleepErr := util.Sleep(ctx, rd.opts.IdleInterval); sleepErr != nil {
			return nil
		}

		if err != nil || !rd.cur.Alive() {
			rd.closeCursor(ctx)

			err = rd.open(ctx)
			if err != nil {
				return stopped(ctx, err)
			}
		}
	}
}

func (rd *reader) open(ctx context.Context) error {
	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		var err error
		rd.cur, err = rd.source.Tail(ctx, rd.last, rd.inclusive)

		return err //nolint:wrapcheck
	}, rd.opts.RetryInterval, rd.opts.MaxRetries)
	if err != nil {
		return errors.Wrap(err, "open oplog cursor")
	}

	log.Ctx(ctx).With(log.OpTime(rd.last.T, rd.last.I)).Debug("Oplog cursor opened")

	return nil
}

func (rd *reader) closeCursor(ctx context.Context) {
	if rd.cur == nil {
		return
	}

	cur := rd.cur
	rd.cur = nil

	err := util.CtxWithTimeout(context.WithoutCancel(ctx), config.CloseCursorTimeout, cur.Close)
	if err != nil {
		log.Ctx(ctx).Error(err, "Close oplog cursor")
	}
}

// stopped drops err when it is caused by cancellation of ctx.
func stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return nil
	}

	return err
}
