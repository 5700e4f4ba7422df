package engine

import (
	"github.com/calderdb/calder/pkg/record"
	"github.com/calderdb/calder/pkg/wal"
)

// Batch collects writes that are applied atomically: either every
// operation becomes durable and visible, or none do.
type Batch struct {
	ops []wal.Op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put adds a key/value write to the batch.
func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, wal.Op{Kind: record.KindPut, Key: key, Value: value})
	return b
}

// Delete adds a tombstone for key to the batch.
func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, wal.Op{Kind: record.KindDelete, Key: key})
	return b
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

func (b *Batch) size() int64 {
	var n int64
	for _, op := range b.ops {
		n += int64(len(op.Key) + len(op.Value))
	}
	return n
}
