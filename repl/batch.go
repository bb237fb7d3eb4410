package repl

import (
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
)

// namespaceBatch holds the pending writes of one namespace in oplog order.
type namespaceBatch struct {
	ns      oplog.Namespace
	entries []*oplog.Entry
	models  []mongo.WriteModel
	size    int
}

func newNamespaceBatch(ns oplog.Namespace, capacity int) *namespaceBatch {
	return &namespaceBatch{
		ns:      ns,
		entries: make([]*oplog.Entry, 0, capacity),
		models:  make([]mongo.WriteModel, 0, capacity),
	}
}

func (b *namespaceBatch) add(e *oplog.Entry, m mongo.WriteModel, size int) {
	b.entries = append(b.entries, e)
	b.models = append(b.models, m)
	b.size += size
}

func (b *namespaceBatch) Len() int {
	return len(b.models)
}

func (b *namespaceBatch) Empty() bool {
	return len(b.models) == 0
}

// fits reports whether a write of size bytes can join the batch without
// crossing maxBytes. An empty batch always accepts one write.
func (b *namespaceBatch) fits(size, maxBytes int) bool {
	return b.Empty() || b.size+size <= maxBytes
}

func (b *namespaceBatch) reset() {
	clear(b.entries)
	clear(b.models)
	b.entries = b.entries[:0]
	b.models = b.models[:0]
	b.size = 0
}
