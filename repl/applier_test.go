package repl //nolint:testpackage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/sel"
)

func testOptions() Options {
	return Options{
		QueueSize:         100,
		BatchSize:         100,
		IdleInterval:      5 * time.Millisecond,
		LagReportInterval: time.Hour,
		ShutdownTimeout:   time.Second,
		RetryInterval:     time.Millisecond,
		MaxRetries:        2,
	}
}

func newTestApplier(
	t *testing.T,
	target *fakeTarget,
	filter *sel.Filter,
	failures FailureHandler,
	opts Options,
) (*applier, *Replicator) {
	t.Helper()

	r := New(&fakeSource{}, target, filter, failures, opts)

	return newApplier(r, NewQueue(r.opts.QueueSize)), r
}

func handleAll(t *testing.T, a *applier, entries ...*oplog.Entry) {
	t.Helper()

	for _, e := range entries {
		require.NoError(t, a.handle(t.Context(), e))
	}
}

func mustRule(t *testing.T, db, coll string) sel.Rule {
	t.Helper()

	r, err := sel.NewRule(db, coll)
	require.NoError(t, err)

	return r
}

func TestApplier_BatchesPerNamespace(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	a, r := newTestApplier(t, target, nil, nil, testOptions())

	handleAll(t, a,
		insert(t, "db.a", 1, 1),
		insert(t, "db.b", 2, 2),
		insert(t, "db.a", 3, 3),
	)
	assert.Empty(t, target.Calls())
	assert.Equal(t, 3, a.pendingOps)

	require.NoError(t, a.flushAll(t.Context()))

	assert.Equal(t, []call{
		{kind: "bulk", ns: "db.a", ids: []string{"1", "3"}},
		{kind: "bulk", ns: "db.b", ids: []string{"2"}},
	}, target.Calls())
	assert.Equal(t, 0, a.pendingOps)
	assert.Equal(t, int64(3), r.Status().EventsApplied)

	require.NoError(t, a.flushAll(t.Context()))
	assert.Len(t, target.Calls(), 2)
}

func TestApplier_BatchSizeCap(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.BatchSize = 2

	target := newFakeTarget()
	a, _ := newTestApplier(t, target, nil, nil, opts)

	handleAll(t, a, insert(t, "db.a", 1, 1), insert(t, "db.a", 2, 2))
	assert.Equal(t, []call{{kind: "bulk", ns: "db.a", ids: []string{"1", "2"}}}, target.Calls())

	handleAll(t, a, insert(t, "db.a", 3, 3))
	assert.Len(t, target.Calls(), 1)
	assert.Equal(t, 1, a.pendingOps)
}

func TestApplier_BatchBytesCap(t *testing.T) {
	t.Parallel()

	first := insert(t, "db.a", 1, 1)

	opts := testOptions()
	opts.BatchMaxBytes = first.Size() + 1

	target := newFakeTarget()
	a, _ := newTestApplier(t, target, nil, nil, opts)

	handleAll(t, a, first)
	assert.Empty(t, target.Calls())

	handleAll(t, a, insert(t, "db.a", 2, 2))
	assert.Equal(t, []call{{kind: "bulk", ns: "db.a", ids: []string{"1"}}}, target.Calls())
	assert.Equal(t, 1, a.pendingOps)
}

func TestApplier_CommandFlushesPendingWrites(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	a, _ := newTestApplier(t, target, nil, nil, testOptions())

	handleAll(t, a,
		insert(t, "db1.a", 1, 1),
		insert(t, "db2.b", 2, 2),
		makeEntry(t, oplog.Command, "db1.$cmd", 3, bson.D{{"create", "c"}}, nil),
	)

	assert.Equal(t, []call{
		{kind: "bulk", ns: "db1.a", ids: []string{"1"}},
		{kind: "bulk", ns: "db2.b", ids: []string{"2"}},
		{kind: "command", ns: "db1", cmd: "create"},
	}, target.Calls())
	assert.Equal(t, 0, a.pendingOps)
}

func TestApplier_CommandErrors(t *testing.T) {
	t.Parallel()

	drop := func(t *testing.T) *oplog.Entry {
		t.Helper()

		return makeEntry(t, oplog.Command, "db1.$cmd", 3, bson.D{{"drop", "c"}}, nil)
	}

	t.Run("idempotent error is skipped", func(t *testing.T) {
		t.Parallel()

		target := newFakeTarget()
		target.cmdErr = mongo.CommandError{Code: 26, Name: "NamespaceNotFound"}
		a, r := newTestApplier(t, target, nil, nil, testOptions())

		require.NoError(t, a.handle(t.Context(), drop(t)))
		assert.Equal(t, int64(0), r.Status().EventsApplied)
	})

	t.Run("other error is fatal", func(t *testing.T) {
		t.Parallel()

		target := newFakeTarget()
		target.cmdErr = mongo.CommandError{Code: 13, Name: "Unauthorized"}
		a, _ := newTestApplier(t, target, nil, nil, testOptions())

		err := a.handle(t.Context(), drop(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run drop")
	})
}

func TestApplier_DuplicateKeyDuringReplay(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	target.seed("db.c", "2")

	failures := &recordFailures{}
	a, r := newTestApplier(t, target, nil, failures, testOptions())

	handleAll(t, a, insert(t, "db.c", 1, 1), insert(t, "db.c", 2, 2), insert(t, "db.c", 3, 3))
	require.NoError(t, a.flushAll(t.Context()))

	assert.Equal(t, []string{"1", "2", "3"}, target.IDs("db.c"))
	assert.Equal(t, []call{
		{kind: "bulk", ns: "db.c", ids: []string{"1", "2", "3"}},
		{kind: "bulk", ns: "db.c", ids: []string{"2"}},
		{kind: "bulk", ns: "db.c", ids: []string{"3"}},
	}, target.Calls())
	assert.Equal(t, 0, failures.Len())
	assert.Equal(t, int64(2), r.Status().EventsApplied)
}

func TestApplier_FailedWriteIsAbandoned(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	target.reject["2"] = true

	failures := &recordFailures{}
	a, _ := newTestApplier(t, target, nil, failures, testOptions())

	handleAll(t, a, insert(t, "db.c", 1, 1), insert(t, "db.c", 2, 2), insert(t, "db.c", 3, 3))
	require.NoError(t, a.flushAll(t.Context()))

	assert.Equal(t, []string{"1", "3"}, target.IDs("db.c"))
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "db.c", failures.list[0].ns)
}

func TestApplier_NonBulkErrorIsFatal(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	target.bulkErr = errBoom

	a, _ := newTestApplier(t, target, nil, nil, testOptions())

	handleAll(t, a, insert(t, "db.c", 1, 1))

	err := a.flushAll(t.Context())
	require.ErrorIs(t, err, errBoom)
	assert.Len(t, target.Calls(), 1)
	assert.Equal(t, 1, a.pendingOps)
}

func TestApplier_Blacklist(t *testing.T) {
	t.Parallel()

	filter := sel.NewFilter(mustRule(t, "db1", "{}"), mustRule(t, "db2", "secrets"))
	target := newFakeTarget()
	a, _ := newTestApplier(t, target, filter, nil, testOptions())

	handleAll(t, a,
		insert(t, "db1.users", 1, 1),
		makeEntry(t, oplog.Command, "db1.$cmd", 2, bson.D{{"create", "x"}}, nil),
		insert(t, "db2.secrets", 3, 3),
		makeEntry(t, oplog.Command, "db2.$cmd", 4, bson.D{{"drop", "secrets"}}, nil),
		insert(t, "db2.public", 5, 5),
	)
	require.NoError(t, a.flushAll(t.Context()))

	assert.Equal(t, []call{{kind: "bulk", ns: "db2.public", ids: []string{"5"}}}, target.Calls())
}

func TestApplier_ApplyOps(t *testing.T) {
	t.Parallel()

	filter := sel.NewFilter(mustRule(t, "db1", "secrets"))
	target := newFakeTarget()
	a, _ := newTestApplier(t, target, filter, nil, testOptions())

	o := bson.D{{"applyOps", bson.A{
		bson.D{{"op", "i"}, {"ns", "db1.a"}, {"o", bson.D{{"_id", int32(1)}}}},
		bson.D{{"op", "i"}, {"ns", "db1.secrets"}, {"o", bson.D{{"_id", int32(2)}}}},
		bson.D{{"op", "i"}, {"ns", "db1.a"}, {"o", bson.D{{"_id", int32(3)}}}},
	}}}

	handleAll(t, a, makeEntry(t, oplog.Command, "admin.$cmd", 10, o, nil))
	require.NoError(t, a.flushAll(t.Context()))

	assert.Equal(t, []call{{kind: "bulk", ns: "db1.a", ids: []string{"1", "3"}}}, target.Calls())
}

func TestApplier_ApplyOpsOnBlacklistedAdmin(t *testing.T) {
	t.Parallel()

	filter := sel.NewFilter(mustRule(t, "admin", "{}"))
	target := newFakeTarget()
	a, _ := newTestApplier(t, target, filter, nil, testOptions())

	o := bson.D{{"applyOps", bson.A{
		bson.D{{"op", "i"}, {"ns", "shop.orders"}, {"o", bson.D{{"_id", int32(1)}}}},
		bson.D{{"op", "i"}, {"ns", "admin.users"}, {"o", bson.D{{"_id", int32(2)}}}},
	}}}

	handleAll(t, a,
		makeEntry(t, oplog.Command, "admin.$cmd", 10, o, nil),
		makeEntry(t, oplog.Command, "admin.$cmd", 11, bson.D{{"create", "x"}}, nil),
	)
	require.NoError(t, a.flushAll(t.Context()))

	assert.Equal(t, []call{{kind: "bulk", ns: "shop.orders", ids: []string{"1"}}}, target.Calls())
}

func TestApplier_UnsupportedOpIsFatal(t *testing.T) {
	t.Parallel()

	a, _ := newTestApplier(t, newFakeTarget(), nil, nil, testOptions())

	err := a.handle(t.Context(), makeEntry(t, oplog.Op("x"), "db.c", 1, bson.D{{"a", 1}}, nil))
	require.ErrorIs(t, err, oplog.ErrUnsupportedOp)
}

func TestApplier_RunDrainsClosedQueue(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	a, r := newTestApplier(t, target, nil, nil, testOptions())

	for i := range 3 {
		require.NoError(t, a.queue.Enqueue(t.Context(), insert(t, "db.c", uint32(i+1), int32(i+1))))
	}

	a.queue.Close()

	require.NoError(t, a.run(t.Context()))
	assert.Equal(t, []string{"1", "2", "3"}, target.IDs("db.c"))
	assert.Equal(t, bson.Timestamp{T: 3, I: 1}, r.Status().LastReplicatedOpTime)
}

func TestApplier_ShutdownFlushesPending(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	a, _ := newTestApplier(t, target, nil, nil, testOptions())

	handleAll(t, a, insert(t, "db.c", 1, 1), insert(t, "db.c", 2, 2))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.NoError(t, a.run(ctx))
	assert.Equal(t, []string{"1", "2"}, target.IDs("db.c"))
	assert.Equal(t, 0, a.pendingOps)
}
