package oplog

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Action is the result of translating an entry. It is one of [Write], [Run], [Apply] or [Skip].
type Action interface {
	isAction()
}

// Write is a single-document write to buffer into its namespace batch.
type Write struct {
	NS    Namespace
	Model mongo.WriteModel
	Size  int
}

// Run is a command that must execute immediately on the target.
type Run struct {
	Database string
	Command  bson.D
	// Target is the collection namespace the command acts on, if any.
	Target *Namespace
}

// Apply holds the entries nested in an applyOps command, in order.
type Apply struct {
	Entries []*Entry
}

// Skip means the entry has no effect on the target.
type Skip struct {
	Reason string
}

func (Write) isAction() {}
func (Run) isAction()   {}
func (Apply) isAction() {}
func (Skip) isAction()  {}

const versionField = "$v"

// Translate maps an oplog entry to the action that reproduces it on the target.
func Translate(e *Entry) (Action, error) {
	if e.NS == "" && e.Op != Noop {
		return nil, malformed(e, "missing ns")
	}

	switch e.Op {
	case Insert:
		if len(e.O) == 0 {
			return nil, malformed(e, "insert without document")
		}

		return Write{
			NS:    e.Namespace(),
			Model: mongo.NewInsertOneModel().SetDocument(e.O),
			Size:  e.Size(),
		}, nil

	case Update:
		return translateUpdate(e)

	case Delete:
		selector := e.O2
		if len(selector) == 0 {
			selector = e.O
		}

		if len(selector) == 0 {
			return nil, malformed(e, "delete without selector")
		}

		return Write{
			NS:    e.Namespace(),
			Model: mongo.NewDeleteOneModel().SetFilter(selector),
			Size:  e.Size(),
		}, nil

	case Command:
		return translateCommand(e)

	case Noop:
		return Skip{Reason: "noop"}, nil
	}

	return nil, &UnsupportedOpError{Op: e.Op, NS: e.NS, TS: e.TS}
}

func translateUpdate(e *Entry) (Action, error) {
	if len(e.O2) == 0 {
		return nil, malformed(e, "update without selector")
	}

	if len(e.O) == 0 {
		return nil, malformed(e, "update without modifier")
	}

	var update any

	if diff, ok := lookupDiff(e.O); ok {
		u, err := updateFromDiff(diff)
		if err != nil {
			return nil, malformed(e, err.Error())
		}

		if u == nil {
			return Skip{Reason: "empty update"}, nil
		}

		update = u
	} else {
		update = UpdateModifier(e.O)
	}

	return Write{
		NS:    e.Namespace(),
		Model: mongo.NewUpdateOneModel().SetFilter(e.O2).SetUpdate(update),
		Size:  e.Size(),
	}, nil
}

// UpdateModifier drops the "$v" marker and wraps a payload with no top-level
// operator in "$set".
func UpdateModifier(o bson.Raw) bson.D {
	elems, _ := o.Elements()

	doc := make(bson.D, 0, len(elems))
	hasOperator := false

	for _, el := range elems {
		key := el.Key()
		if key == versionField {
			continue
		}

		if strings.HasPrefix(key, "$") {
			hasOperator = true
		}

		doc = append(doc, bson.E{Key: key, Value: el.Value()})
	}

	if hasOperator {
		return doc
	}

	return bson.D{{Key: "$set", Value: doc}}
}

// lookupDiff returns the "diff" document of a "$v: 2" update.
func lookupDiff(o bson.Raw) (bson.Raw, bool) {
	v, err := o.LookupErr(versionField)
	if err != nil {
		return nil, false
	}

	version, ok := asInt64(v)
	if !ok || version != 2 { //nolint:mnd
		return nil, false
	}

	return o.Lookup("diff").DocumentOK()
}

func malformed(e *Entry, reason string) error {
	return &MalformedEntryError{TS: e.TS, NS: e.NS, Reason: reason}
}
