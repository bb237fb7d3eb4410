package topo

import (
	"context"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/util"
)

const (
	oplogDB         = "local"
	oplogCollection = "oplog.rs"
)

// ErrNoOplogEntry is returned when no oplog entry matches.
var ErrNoOplogEntry = errors.New("no oplog entry")

//nolint:gochecknoglobals
var latestFirst = bson.D{{"$natural", -1}}

//nolint:gochecknoglobals
var collectionBulkOptions = options.BulkWrite().
	SetOrdered(true).
	SetBypassDocumentValidation(false)

// Cursor iterates oplog records.
type Cursor interface {
	// TryNext advances to the next record. False means none is available yet.
	TryNext(ctx context.Context) bool
	// Current is valid until the next call to TryNext.
	Current() bson.Raw
	Err() error
	// Alive is false once the server has closed the cursor.
	Alive() bool
	Close(ctx context.Context) error
}

type oplogCursor struct {
	cur *mongo.Cursor
}

func (c *oplogCursor) TryNext(ctx context.Context) bool { return c.cur.TryNext(ctx) }
func (c *oplogCursor) Current() bson.Raw                { return c.cur.Current }
func (c *oplogCursor) Err() error                       { return c.cur.Err() } //nolint:wrapcheck
func (c *oplogCursor) Alive() bool                      { return c.cur.ID() != 0 }
func (c *oplogCursor) Close(ctx context.Context) error  { return c.cur.Close(ctx) } //nolint:wrapcheck

// OplogSource reads the source cluster oplog, preferring secondaries.
type OplogSource struct {
	coll      *mongo.Collection
	await     time.Duration
	opTimeout time.Duration
}

// NewOplogSource returns a reader of the client's oplog. await bounds how long
// the server holds a tailing getMore open.
func NewOplogSource(m *mongo.Client, await, operationTimeout time.Duration) *OplogSource {
	db := m.Database(oplogDB, options.Database().SetReadPreference(readpref.SecondaryPreferred()))

	return &OplogSource{
		coll:      db.Collection(oplogCollection),
		await:     await,
		opTimeout: opTimeout(operationTimeout),
	}
}

// Tail opens a tailable cursor on entries with ts after from, or at from when inclusive.
func (s *OplogSource) Tail(ctx context.Context, from bson.Timestamp, inclusive bool) (Cursor, error) {
	cmp := "$gt"
	if inclusive {
		cmp = "$gte"
	}

	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetNoCursorTimeout(true).
		SetMaxAwaitTime(s.await)

	var cur *mongo.Cursor

	err := util.CtxWithTimeout(ctx, s.opTimeout, func(ctx context.Context) error {
		var err error
		cur, err = s.coll.Find(ctx, bson.D{{"ts", bson.D{{cmp, from}}}}, opts)

		return err //nolint:wrapcheck
	})
	if err != nil {
		return nil, errors.Wrap(err, "find oplog")
	}

	return &oplogCursor{cur: cur}, nil
}

// LatestEntry returns the newest source oplog entry.
func (s *OplogSource) LatestEntry(ctx context.Context) (*oplog.Entry, error) {
	return findLatest(ctx, s.coll, bson.D{}, s.opTimeout)
}

// Target applies writes and commands to the target cluster.
type Target struct {
	client    *mongo.Client
	oplog     *mongo.Collection
	opTimeout time.Duration
}

func NewTarget(m *mongo.Client, operationTimeout time.Duration) *Target {
	return &Target{
		client:    m,
		oplog:     m.Database(oplogDB).Collection(oplogCollection),
		opTimeout: opTimeout(operationTimeout),
	}
}

// BulkWrite runs an ordered bulk write on the namespace.
func (t *Target) BulkWrite(ctx context.Context, ns oplog.Namespace, models []mongo.WriteModel) error {
	coll := t.client.Database(ns.Database).Collection(ns.Collection)

	_, err := coll.BulkWrite(ctx, models, collectionBulkOptions)

	return err //nolint:wrapcheck
}

// RunCommand runs cmd on the database.
func (t *Target) RunCommand(ctx context.Context, db string, cmd bson.D) error {
	return t.client.Database(db).RunCommand(ctx, cmd).Err() //nolint:wrapcheck
}

// LatestInsert returns the newest insert in the target oplog outside system namespaces.
// Returns [ErrNoOplogEntry] when there is none.
func (t *Target) LatestInsert(ctx context.Context) (*oplog.Entry, error) {
	filter := bson.D{
		{"op", string(oplog.Insert)},
		{"ns", bson.D{{"$not", bson.Regex{Pattern: "system"}}}},
	}

	return findLatest(ctx, t.oplog, filter, t.opTimeout)
}

func findLatest(
	ctx context.Context,
	coll *mongo.Collection,
	filter bson.D,
	timeout time.Duration,
) (*oplog.Entry, error) {
	var raw bson.Raw

	err := util.CtxWithTimeout(ctx, timeout, func(ctx context.Context) error {
		var err error
		raw, err = coll.FindOne(ctx, filter, options.FindOne().SetSort(latestFirst)).Raw()

		return err //nolint:wrapcheck
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNoOplogEntry
		}

		return nil, errors.Wrap(err, "find latest oplog entry")
	}

	return oplog.Parse(slices.Clone(raw))
}
