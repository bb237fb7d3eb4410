// Package oplog parses replica set oplog entries and translates them into target writes.
package oplog

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
)

// Op is the oplog operation type.
type Op string

const (
	Insert  Op = "i"
	Update  Op = "u"
	Delete  Op = "d"
	Command Op = "c"
	Noop    Op = "n"
)

// CommandCollection is the pseudo collection of command entries ("db.$cmd").
const CommandCollection = "$cmd"

// Entry is a single oplog record.
type Entry struct {
	TS bson.Timestamp `bson:"ts"`
	Op Op             `bson:"op"`
	NS string         `bson:"ns"`
	// O is the payload: the document, the update modifier, the delete key or the command.
	O bson.Raw `bson:"o"`
	// O2 is the update selector.
	O2 bson.Raw `bson:"o2,omitempty"`

	// Raw is the whole record. Its length is the entry size.
	Raw bson.Raw `bson:"-"`
}

// Parse decodes an oplog record. It does not copy raw: the caller must own the buffer.
func Parse(raw bson.Raw) (*Entry, error) {
	e := &Entry{}

	err := bson.Unmarshal(raw, e)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal oplog entry")
	}

	if e.Op == "" {
		return nil, &MalformedEntryError{TS: e.TS, Reason: "missing op"}
	}

	e.Raw = raw

	return e, nil
}

// Namespace returns the parsed ns field.
func (e *Entry) Namespace() Namespace {
	return ParseNamespace(e.NS)
}

// IsApplyOps reports whether e is an applyOps command. Transactions and batched
// writes reach the oplog this way, usually on "admin.$cmd".
func (e *Entry) IsApplyOps() bool {
	if e.Op != Command || len(e.O) == 0 {
		return false
	}

	elems, err := e.O.Elements()

	return err == nil && len(elems) != 0 && elems[0].Key() == "applyOps"
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int {
	if len(e.Raw) != 0 {
		return len(e.Raw)
	}

	return len(e.O) + len(e.O2)
}

// Namespace is a database and collection pair.
type Namespace struct {
	Database   string
	Collection string
}

// ParseNamespace splits ns at the first dot. Collection names may contain dots.
func ParseNamespace(ns string) Namespace {
	db, coll, _ := strings.Cut(ns, ".")

	return Namespace{Database: db, Collection: coll}
}

func (ns Namespace) String() string {
	if ns.Collection == "" {
		return ns.Database
	}

	return ns.Database + "." + ns.Collection
}

// IsCommand reports whether ns is a "db.$cmd" namespace.
func (ns Namespace) IsCommand() bool {
	return ns.Collection == CommandCollection
}

// ErrUnsupportedOp is matched by [UnsupportedOpError].
var ErrUnsupportedOp = errors.New("unsupported oplog operation")

// UnsupportedOpError is returned for an operation type the translator cannot apply.
type UnsupportedOpError struct {
	Op Op
	NS string
	TS bson.Timestamp
}

func (e *UnsupportedOpError) Error() string {
	return "unsupported oplog operation " + strconv.Quote(string(e.Op)) + " on " + strconv.Quote(e.NS)
}

func (e *UnsupportedOpError) Is(target error) bool {
	return target == ErrUnsupportedOp //nolint:errorlint
}

// ErrMalformedEntry is matched by [MalformedEntryError].
var ErrMalformedEntry = errors.New("malformed oplog entry")

// MalformedEntryError is returned when a required field of an entry is missing or invalid.
type MalformedEntryError struct {
	TS     bson.Timestamp
	NS     string
	Reason string
}

func (e *MalformedEntryError) Error() string {
	return "malformed oplog entry on " + strconv.Quote(e.NS) + ": " + e.Reason
}

func (e *MalformedEntryError) Is(target error) bool {
	return target == ErrMalformedEntry //nolint:errorlint
}
