package memtable

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/calderdb/calder/pkg/record"
)

// ErrFrozen is returned when inserting into a memtable that has been
// swapped out for flushing.
var ErrFrozen = errors.New("memtable: insert into frozen memtable")

// Memtable absorbs recent writes in sequence order. Once frozen it is
// read-only and owned jointly by the flush task and in-flight readers
// until the flush completes.
type Memtable struct {
	id       uint64
	skl      *skipList
	frozen   atomic.Bool
	firstSeq atomic.Uint64
	lastSeq  atomic.Uint64
}

// New creates an empty memtable. The id is used to order frozen memtables
// for flushing; callers assign ids monotonically.
func New(id uint64) *Memtable {
	return &Memtable{
		id:  id,
		skl: newSkipList(),
	}
}

// ID returns the memtable's creation-order identifier.
func (m *Memtable) ID() uint64 {
	return m.id
}

// Insert adds a versioned entry. The caller has already made the entry
// durable in the WAL.
func (m *Memtable) Insert(e *record.Entry) error {
	if m.frozen.Load() {
		return ErrFrozen
	}
	m.skl.insert(e)

	m.firstSeq.CompareAndSwap(0, e.Seq)
	for {
		last := m.lastSeq.Load()
		if e.Seq <= last || m.lastSeq.CompareAndSwap(last, e.Seq) {
			break
		}
	}
	return nil
}

// Get returns the newest entry for key visible at seq, tombstones included.
// The boolean is false when no version of the key is visible here.
func (m *Memtable) Get(key []byte, seq uint64) (*record.Entry, bool) {
	node := m.skl.seek(key, seq)
	if node == nil || !bytes.Equal(node.entry.Key, key) {
		return nil, false
	}
	return node.entry, true
}

// ApproximateSize returns the memtable's in-memory footprint in bytes.
func (m *Memtable) ApproximateSize() int64 {
	return m.skl.approximateSize()
}

// Len returns the number of entries, counting every version.
func (m *Memtable) Len() int64 {
	return m.skl.length()
}

// Empty reports whether no entry was ever inserted.
func (m *Memtable) Empty() bool {
	return m.skl.length() == 0
}

// FirstSeq returns the lowest sequence number inserted, 0 when empty.
func (m *Memtable) FirstSeq() uint64 {
	return m.firstSeq.Load()
}

// LastSeq returns the highest sequence number inserted, 0 when empty.
func (m *Memtable) LastSeq() uint64 {
	return m.lastSeq.Load()
}

// Freeze makes the memtable read-only. Idempotent.
func (m *Memtable) Freeze() {
	m.frozen.Store(true)
}

// Frozen reports whether the memtable is read-only.
func (m *Memtable) Frozen() bool {
	return m.frozen.Load()
}

// NewIterator returns an iterator over internal entries with user keys in
// [lo, hi), every version included, in internal key order. A nil bound is
// unbounded on that side.
func (m *Memtable) NewIterator(lo, hi []byte) *Iterator {
	return &Iterator{m: m, lo: lo, hi: hi}
}

// Iterator walks a memtable in internal key order. It is restartable only
// by creating a new one.
type Iterator struct {
	m       *Memtable
	lo, hi  []byte
	node    *skipListNode
	started bool
}

// Next advances to the next entry, returning false when exhausted.
func (it *Iterator) Next() bool {
	if !it.started {
		it.started = true
		if it.lo != nil {
			it.node = it.m.skl.seek(it.lo, record.MaxSeq)
		} else {
			it.node = it.m.skl.next(it.m.skl.head)
		}
	} else if it.node != nil {
		it.node = it.m.skl.next(it.node)
	}

	if it.node == nil {
		return false
	}
	if it.hi != nil && bytes.Compare(it.node.entry.Key, it.hi) >= 0 {
		it.node = nil
		return false
	}
	return true
}

// Entry returns the current entry. Valid only after Next reports true.
func (it *Iterator) Entry() *record.Entry {
	return it.node.entry
}

// Err reports a terminal iteration error. Memtable iteration cannot fail;
// the method exists to satisfy the shared iterator contract.
func (it *Iterator) Err() error {
	return nil
}

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.node = nil
	return nil
}
