package repl //nolint:testpackage

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/topo"
)

const (
	codeDuplicateKey       = 11000
	codeDocumentValidation = 121
)

func makeRaw(t *testing.T, op oplog.Op, ns string, ts bson.Timestamp, o, o2 bson.D) bson.Raw {
	t.Helper()

	doc := bson.D{{"ts", ts}, {"op", string(op)}, {"ns", ns}, {"o", o}}
	if o2 != nil {
		doc = append(doc, bson.E{Key: "o2", Value: o2})
	}

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	return raw
}

func makeEntry(t *testing.T, op oplog.Op, ns string, ts uint32, o, o2 bson.D) *oplog.Entry {
	t.Helper()

	e, err := oplog.Parse(makeRaw(t, op, ns, bson.Timestamp{T: ts, I: 1}, o, o2))
	require.NoError(t, err)

	return e
}

func insert(t *testing.T, ns string, ts uint32, id int32) *oplog.Entry {
	t.Helper()

	return makeEntry(t, oplog.Insert, ns, ts, bson.D{{"_id", id}, {"v", ts}}, nil)
}

// call is one request observed by fakeTarget.
type call struct {
	kind string // "bulk" or "command"
	ns   string
	ids  []string // inserted _id of each model, "" for non-inserts
	cmd  string
}

// fakeTarget applies ordered bulk writes to in-memory collections keyed by _id.
// An insert of an existing _id fails with a duplicate key error.
type fakeTarget struct {
	mu    sync.Mutex
	calls []call
	docs  map[string]map[string]bool

	// reject makes the write of an _id fail with a non-duplicate write error.
	reject map[string]bool
	// bulkErr, when set, is returned by every bulk write.
	bulkErr error
	cmdErr  error

	latest    *oplog.Entry
	latestErr error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{docs: make(map[string]map[string]bool), reject: make(map[string]bool)}
}

func (f *fakeTarget) seed(ns string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.docs[ns] == nil {
		f.docs[ns] = make(map[string]bool)
	}

	for _, id := range ids {
		f.docs[ns][id] = true
	}
}

func (f *fakeTarget) BulkWrite(_ context.Context, ns oplog.Namespace, models []mongo.WriteModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := call{kind: "bulk", ns: ns.String()}
	for _, m := range models {
		c.ids = append(c.ids, insertedID(m))
	}

	f.calls = append(f.calls, c)

	if f.bulkErr != nil {
		return f.bulkErr
	}

	coll := f.docs[ns.String()]
	if coll == nil {
		coll = make(map[string]bool)
		f.docs[ns.String()] = coll
	}

	for i, id := range c.ids {
		if id == "" {
			continue
		}

		if f.reject[id] {
			return writeError(i, codeDocumentValidation)
		}

		if coll[id] {
			return writeError(i, codeDuplicateKey)
		}

		coll[id] = true
	}

	return nil
}

func (f *fakeTarget) RunCommand(_ context.Context, db string, cmd bson.D) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{kind: "command", ns: db, cmd: cmd[0].Key})

	return f.cmdErr
}

func (f *fakeTarget) LatestInsert(context.Context) (*oplog.Entry, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}

	if f.latest == nil {
		return nil, topo.ErrNoOplogEntry
	}

	return f.latest, nil
}

func (f *fakeTarget) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.calls)
}

func (f *fakeTarget) IDs(ns string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.docs[ns]))
	for id := range f.docs[ns] {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func insertedID(m mongo.WriteModel) string {
	im, ok := m.(*mongo.InsertOneModel)
	if !ok {
		return ""
	}

	raw, ok := im.Document.(bson.Raw)
	if !ok {
		return ""
	}

	id, ok := raw.Lookup("_id").Int32OK()
	if !ok {
		return ""
	}

	return strconv.Itoa(int(id))
}

func writeError(index, code int) error {
	return mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{{
			WriteError: mongo.WriteError{Index: index, Code: code, Message: "write failed"},
		}},
	}
}

// fakeCursor serves records and then reports no data.
type fakeCursor struct {
	records []bson.Raw
	pos     int
	cur     bson.Raw
	dead    bool // Alive is false once drained
	err     error
	closed  bool
}

func (c *fakeCursor) TryNext(context.Context) bool {
	if c.pos >= len(c.records) {
		return false
	}

	c.cur = c.records[c.pos]
	c.pos++

	return true
}

func (c *fakeCursor) Current() bson.Raw { return c.cur }
func (c *fakeCursor) Err() error        { return c.err }

func (c *fakeCursor) Alive() bool {
	return !c.dead || c.pos < len(c.records)
}

func (c *fakeCursor) Close(context.Context) error {
	c.closed = true

	return nil
}

type tailCall struct {
	from      bson.Timestamp
	inclusive bool
}

// fakeSource hands out cursors in order. The last cursor is reused when exhausted.
type fakeSource struct {
	mu      sync.Mutex
	cursors []*fakeCursor
	tails   []tailCall
	tailErr error

	latest    *oplog.Entry
	latestErr error
	latestN   int
}

func (s *fakeSource) Tail(_ context.Context, from bson.Timestamp, inclusive bool) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tails = append(s.tails, tailCall{from: from, inclusive: inclusive})

	if s.tailErr != nil {
		return nil, s.tailErr
	}

	if len(s.cursors) == 0 {
		return &fakeCursor{}, nil
	}

	c := s.cursors[0]
	if len(s.cursors) > 1 {
		s.cursors = s.cursors[1:]
	}

	return c, nil
}

func (s *fakeSource) LatestEntry(context.Context) (*oplog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latestN++

	if s.latestErr != nil {
		return nil, s.latestErr
	}

	if s.latest == nil {
		return nil, topo.ErrNoOplogEntry
	}

	return s.latest, nil
}

func (s *fakeSource) Tails() []tailCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.tails)
}

type abandoned struct {
	ns  string
	err error
}

// recordFailures collects abandoned operations.
type recordFailures struct {
	mu   sync.Mutex
	list []abandoned
}

func (r *recordFailures) Abandon(_ context.Context, e *oplog.Entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.list = append(r.list, abandoned{ns: e.NS, err: err})
}

func (r *recordFailures) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.list)
}

var errBoom = errors.New("boom")
