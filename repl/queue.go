package repl

import (
	"context"
	"sync"
	"time"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/metrics"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
)

// ErrQueueClosed is returned by [Queue.Wait] once the queue is closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO of oplog entries between one producer and one consumer.
type Queue struct {
	ch   chan *oplog.Entry
	once sync.Once
}

func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *oplog.Entry, max(capacity, 1))}
}

// Enqueue appends e, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, e *oplog.Entry) error {
	select {
	case q.ch <- e:
		metrics.SetReplEventQueueSize(len(q.ch))

		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}
}

// TryDequeue returns the next entry without blocking.
func (q *Queue) TryDequeue() (*oplog.Entry, bool) {
	select {
	case e, ok := <-q.ch:
		if !ok {
			return nil, false
		}

		metrics.SetReplEventQueueSize(len(q.ch))

		return e, true
	default:
		return nil, false
	}
}

// Wait blocks up to d for the next entry. It returns nil, nil on timeout.
func (q *Queue) Wait(ctx context.Context, d time.Duration) (*oplog.Entry, error) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case e, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}

		metrics.SetReplEventQueueSize(len(q.ch))

		return e, nil
	case <-t.C:
		return nil, nil //nolint:nilnil
	case <-ctx.Done():
		return nil, ctx.Err() //nolint:wrapcheck
	}
}

// Close marks the end of input. Only the producer closes the queue.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.ch) })
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }
