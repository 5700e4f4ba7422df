// Package record defines the entry representation shared by the write-ahead
// log, memtables and sorted runs. An entry is identified internally by
// (user key, sequence number); entries for the same user key are ordered
// newest-first so that the first visible entry during a merge always wins.
package record

import "bytes"

// Kind describes what an entry does to its key.
type Kind uint8

const (
	// KindPut sets the key to the entry's value.
	KindPut Kind = iota + 1
	// KindDelete is a tombstone suppressing all older entries for the key.
	KindDelete
	// KindCommit terminates a WAL batch. It never appears in memtables
	// or sorted runs.
	KindCommit
)

// MaxSeq is the highest possible sequence number. Readers that should see
// every committed write use it as their visibility watermark.
const MaxSeq = ^uint64(0)

// Entry is a single versioned key-value record.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Kind  Kind
}

// Tombstone reports whether the entry deletes its key.
func (e *Entry) Tombstone() bool {
	return e.Kind == KindDelete
}

// Size returns the approximate in-memory footprint of the entry.
func (e *Entry) Size() int {
	return len(e.Key) + len(e.Value) + 24
}

// Clone returns a deep copy of the entry. Iterators that outlive their
// source buffers hand out clones.
func (e *Entry) Clone() *Entry {
	c := &Entry{
		Key:  append([]byte(nil), e.Key...),
		Seq:  e.Seq,
		Kind: e.Kind,
	}
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	return c
}

// InternalCompare orders entries by user key ascending, then by sequence
// number descending. With this order the newest version of a key is always
// encountered first.
func InternalCompare(a, b *Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	default:
		return 0
	}
}

// CompareKeySeq orders the internal key (key, seq) against an entry without
// allocating a probe entry. Semantics match InternalCompare.
func CompareKeySeq(key []byte, seq uint64, e *Entry) int {
	if c := bytes.Compare(key, e.Key); c != 0 {
		return c
	}
	switch {
	case seq > e.Seq:
		return -1
	case seq < e.Seq:
		return 1
	default:
		return 0
	}
}
