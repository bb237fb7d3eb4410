package oplog

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
)

// pathElem is one component of a diff path. index is set when key addresses
// an array element.
type pathElem struct {
	key   string
	index bool
}

type fieldPath []pathElem

func (p fieldPath) child(key string, index bool) fieldPath {
	c := make(fieldPath, len(p), len(p)+1)
	copy(c, p)

	return append(c, pathElem{key: key, index: index})
}

func (p fieldPath) String() string {
	keys := make([]string, len(p))
	for i, el := range p {
		keys[i] = el.key
	}

	return strings.Join(keys, ".")
}

// firstIndex returns the position of the first array index component or -1.
func (p fieldPath) firstIndex() int {
	for i, el := range p {
		if el.index {
			return i
		}
	}

	return -1
}

// under reports whether p is prefix or a path inside it.
func (p fieldPath) under(prefix fieldPath) bool {
	if len(p) < len(prefix) {
		return false
	}

	for i := range prefix {
		if p[i].key != prefix[i].key {
			return false
		}
	}

	return true
}

// updateDescription is a flattened "$v: 2" oplog diff.
type updateDescription struct {
	updatedFields   []updatedField
	removedFields   []fieldPath
	truncatedArrays []truncatedArray
}

type updatedField struct {
	path  fieldPath
	value bson.RawValue
}

type truncatedArray struct {
	path    fieldPath
	newSize int64
}

// updateFromDiff converts a "$v: 2" diff into an update document or pipeline.
// Returns nil when the diff changes nothing.
func updateFromDiff(diff bson.Raw) (any, error) {
	desc := &updateDescription{}

	err := desc.walk(nil, diff)
	if err != nil {
		return nil, err
	}

	if len(desc.updatedFields) == 0 &&
		len(desc.removedFields) == 0 &&
		len(desc.truncatedArrays) == 0 {
		return nil, nil //nolint:nilnil
	}

	return collectUpdateOps(desc), nil
}

func (u *updateDescription) walk(prefix fieldPath, diff bson.Raw) error {
	elems, err := diff.Elements()
	if err != nil {
		return errors.Wrap(err, "diff elements")
	}

	if v, err := diff.LookupErr("a"); err == nil && v.Type == bson.TypeBoolean && v.Boolean() {
		return u.walkArray(prefix, elems)
	}

	for _, el := range elems {
		key := el.Key()

		switch {
		case key == "i" || key == "u":
			fields, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Errorf("diff %q at %q is not a document", key, prefix)
			}

			err := u.addUpdated(prefix, fields)
			if err != nil {
				return err
			}

		case key == "d":
			fields, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Errorf("diff %q at %q is not a document", key, prefix)
			}

			removed, _ := fields.Elements()
			for _, r := range removed {
				u.removedFields = append(u.removedFields, prefix.child(r.Key(), false))
			}

		case strings.HasPrefix(key, "s"):
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Errorf("subdiff %q at %q is not a document", key, prefix)
			}

			err := u.walk(prefix.child(key[1:], false), sub)
			if err != nil {
				return err
			}

		default:
			return errors.Errorf("unknown diff field %q at %q", key, prefix)
		}
	}

	return nil
}

func (u *updateDescription) walkArray(field fieldPath, elems []bson.RawElement) error {
	for _, el := range elems {
		key := el.Key()

		switch {
		case key == "a":
			continue

		case key == "l":
			size, ok := asInt64(el.Value())
			if !ok {
				return errors.Errorf("array length at %q is not a number", field)
			}

			u.truncatedArrays = append(u.truncatedArrays, truncatedArray{path: field, newSize: size})

		case strings.HasPrefix(key, "u"):
			u.updatedFields = append(u.updatedFields,
				updatedField{path: field.child(key[1:], true), value: el.Value()})

		case strings.HasPrefix(key, "s"):
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return errors.Errorf("subdiff %q at %q is not a document", key, field)
			}

			err := u.walk(field.child(key[1:], true), sub)
			if err != nil {
				return err
			}

		default:
			return errors.Errorf("unknown array diff field %q at %q", key, field)
		}
	}

	return nil
}

func (u *updateDescription) addUpdated(prefix fieldPath, fields bson.Raw) error {
	elems, err := fields.Elements()
	if err != nil {
		return errors.Wrap(err, "updated fields")
	}

	for _, el := range elems {
		u.updatedFields = append(u.updatedFields,
			updatedField{path: prefix.child(el.Key(), false), value: el.Value()})
	}

	return nil
}

// conflicts reports whether a field update or removal lands inside a truncated
// array. $push with $slice cannot be combined with them in one update document.
func (u *updateDescription) conflicts() bool {
	for _, trunc := range u.truncatedArrays {
		for _, update := range u.updatedFields {
			if update.path.under(trunc.path) {
				return true
			}
		}

		for _, removed := range u.removedFields {
			if removed.under(trunc.path) {
				return true
			}
		}
	}

	return false
}

func collectUpdateOps(desc *updateDescription) any {
	if desc.conflicts() {
		return collectUpdateOpsWithPipeline(desc)
	}

	ops := make(bson.D, 0, 1)

	if len(desc.updatedFields) != 0 {
		fields := make(bson.D, len(desc.updatedFields))
		for i, field := range desc.updatedFields {
			fields[i] = bson.E{Key: field.path.String(), Value: field.value}
		}

		ops = append(ops, bson.E{"$set", fields})
	}

	if len(desc.removedFields) != 0 {
		fields := make(bson.D, len(desc.removedFields))
		for i, field := range desc.removedFields {
			fields[i].Key = field.String()
			fields[i].Value = 1
		}

		ops = append(ops, bson.E{"$unset", fields})
	}

	if len(desc.truncatedArrays) != 0 {
		fields := make(bson.D, len(desc.truncatedArrays))
		for i, field := range desc.truncatedArrays {
			fields[i].Key = field.path.String()
			fields[i].Value = bson.D{{"$each", bson.A{}}, {"$slice", field.newSize}}
		}

		ops = append(ops, bson.E{"$push", fields})
	}

	return ops
}

// collectUpdateOpsWithPipeline renders the diff as aggregation stages. Numeric
// path components do not address array elements in aggregation, so paths through
// an array index rebuild the array around the element.
func collectUpdateOpsWithPipeline(desc *updateDescription) bson.A {
	s := len(desc.updatedFields) + len(desc.truncatedArrays) + len(desc.removedFields)
	pipeline := make(bson.A, 0, s)

	for _, truncation := range desc.truncatedArrays {
		size := truncation.newSize
		pipeline = append(pipeline, setStage(truncation.path, func(cur any) any {
			return bson.D{{"$slice", bson.A{cur, size}}}
		}))
	}

	for _, field := range desc.updatedFields {
		value := field.value
		pipeline = append(pipeline, setStage(field.path, func(any) any {
			return bson.D{{"$literal", value}}
		}))
	}

	var unset []string

	for _, removed := range desc.removedFields {
		if removed.firstIndex() < 0 {
			unset = append(unset, removed.String())

			continue
		}

		name := removed[len(removed)-1].key
		pipeline = append(pipeline, setStage(removed[:len(removed)-1], func(cur any) any {
			return withoutField(cur, name)
		}))
	}

	if len(unset) != 0 {
		pipeline = append(pipeline, bson.D{{Key: "$unset", Value: unset}})
	}

	return pipeline
}

// setStage returns a $set stage replacing the value at path with leaf(current value).
func setStage(path fieldPath, leaf func(cur any) any) bson.D {
	k := path.firstIndex()
	if k < 0 {
		name := path.String()

		return bson.D{{"$set", bson.D{{name, leaf("$" + name)}}}}
	}

	head := path[:k].String()

	return bson.D{{"$set", bson.D{{head, setAt("$"+head, path[k:], 0, leaf)}}}}
}

// setAt builds an expression equal to cur with the value at rest replaced by leaf.
func setAt(cur any, rest fieldPath, depth int, leaf func(any) any) any {
	if len(rest) == 0 {
		return leaf(cur)
	}

	ref, bind := bindVar(cur, depth)
	el := rest[0]

	if !el.index {
		inner := setAt(ref+"."+el.key, rest[1:], depth+1, leaf)

		return bind(bson.D{{"$mergeObjects", bson.A{ref, bson.D{{el.key, inner}}}}})
	}

	idx, _ := strconv.Atoi(el.key)
	elem := bson.D{{"$arrayElemAt", bson.A{ref, idx}}}

	return bind(bson.D{{"$concatArrays", bson.A{
		bson.D{{"$slice", bson.A{ref, idx}}},
		bson.A{setAt(elem, rest[1:], depth+1, leaf)},
		bson.D{{"$slice", bson.A{ref, idx + 1, bson.D{{"$max", bson.A{bson.D{{"$size", ref}}, 1}}}}}},
	}}})
}

// bindVar returns a field path for cur. Expressions are bound to a $let variable.
func bindVar(cur any, depth int) (string, func(any) any) {
	if path, ok := cur.(string); ok {
		return path, func(in any) any { return in }
	}

	name := "e" + strconv.Itoa(depth)

	return "$$" + name, func(in any) any {
		return bson.D{{"$let", bson.D{
			{"vars", bson.D{{name, cur}}},
			{"in", in},
		}}}
	}
}

func withoutField(doc any, name string) bson.D {
	return bson.D{{"$arrayToObject", bson.D{{"$filter", bson.D{
		{"input", bson.D{{"$objectToArray", doc}}},
		{"cond", bson.D{{"$ne", bson.A{"$$this.k", name}}}},
	}}}}}
}

func asInt64(v bson.RawValue) (int64, bool) {
	switch v.Type { //nolint:exhaustive
	case bson.TypeInt32:
		return int64(v.Int32()), true
	case bson.TypeInt64:
		return v.Int64(), true
	case bson.TypeDouble:
		return int64(v.Double()), true
	}

	return 0, false
}
