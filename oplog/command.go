package oplog

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

const adminDB = "admin"

// commands whose first value names a collection of the entry database
//
//nolint:gochecknoglobals
var collectionCommands = map[string]bool{
	"create":           true,
	"drop":             true,
	"collMod":          true,
	"createIndexes":    true,
	"dropIndexes":      true,
	"deleteIndexes":    true,
	"convertToCapped":  true,
	"commitIndexBuild": true,
}

// oplog-only commands that have no effect when replayed one entry at a time
//
//nolint:gochecknoglobals
var skippedCommands = map[string]bool{
	"commitTransaction": true,
	"abortTransaction":  true,
	"startIndexBuild":   true,
	"abortIndexBuild":   true,
}

func translateCommand(e *Entry) (Action, error) {
	if len(e.O) == 0 {
		return nil, malformed(e, "command without body")
	}

	elems, err := e.O.Elements()
	if err != nil || len(elems) == 0 {
		return nil, malformed(e, "empty command")
	}

	ns := e.Namespace()
	name := elems[0].Key()

	switch {
	case name == "applyOps":
		return expandApplyOps(e, elems[0].Value())
	case skippedCommands[name]:
		return Skip{Reason: name}, nil
	}

	run := Run{Database: ns.Database, Command: toD(elems)}

	switch {
	case name == "renameCollection":
		run.Database = adminDB
		run.Command = normalizeRename(run.Command)

		if from, ok := elems[0].Value().StringValueOK(); ok {
			target := ParseNamespace(from)
			run.Target = &target
		}

	case name == "commitIndexBuild":
		run.Command = commitIndexBuildToCreateIndexes(run.Command)

	case name == "createIndexes":
		run.Command = normalizeCreateIndexes(run.Command)
	}

	if collectionCommands[name] && run.Target == nil {
		if coll, ok := elems[0].Value().StringValueOK(); ok {
			run.Target = &Namespace{Database: ns.Database, Collection: coll}
		}
	}

	return run, nil
}

func expandApplyOps(e *Entry, ops bson.RawValue) (Action, error) {
	arr, ok := ops.ArrayOK()
	if !ok {
		return nil, malformed(e, "applyOps is not an array")
	}

	values, err := arr.Values()
	if err != nil {
		return nil, malformed(e, "applyOps: "+err.Error())
	}

	entries := make([]*Entry, 0, len(values))

	for _, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, malformed(e, "applyOps element is not a document")
		}

		inner, err := Parse(doc)
		if err != nil {
			return nil, malformed(e, "applyOps: "+err.Error())
		}

		if inner.TS.IsZero() {
			inner.TS = e.TS
		}

		entries = append(entries, inner)
	}

	return Apply{Entries: entries}, nil
}

// normalizeRename turns the oplog form of dropTarget (a collection UUID) into a boolean.
func normalizeRename(cmd bson.D) bson.D {
	out := make(bson.D, 0, len(cmd))

	for _, el := range cmd {
		switch el.Key {
		case "dropTarget":
			if rv, ok := el.Value.(bson.RawValue); ok && rv.Type != bson.TypeBoolean {
				el.Value = rv.Type != bson.TypeNull
			}
		case "stayTemp", "to", "renameCollection":
		default:
			continue
		}

		out = append(out, el)
	}

	return out
}

// normalizeCreateIndexes wraps the single inline index spec of the oplog form
// into an "indexes" array.
func normalizeCreateIndexes(cmd bson.D) bson.D {
	for _, el := range cmd {
		if el.Key == "indexes" {
			return cmd
		}
	}

	spec := append(bson.D{}, cmd[1:]...)

	return bson.D{cmd[0], {Key: "indexes", Value: bson.A{spec}}}
}

func commitIndexBuildToCreateIndexes(cmd bson.D) bson.D {
	out := bson.D{{Key: "createIndexes", Value: cmd[0].Value}}

	for _, el := range cmd[1:] {
		if el.Key == "indexes" {
			out = append(out, el)
		}
	}

	return out
}

func toD(elems []bson.RawElement) bson.D {
	doc := make(bson.D, len(elems))
	for i, el := range elems {
		doc[i] = bson.E{Key: el.Key(), Value: el.Value()}
	}

	return doc
}
