package engine

import (
	"sync/atomic"

	"github.com/calderdb/calder/pkg/manifest"
	"github.com/calderdb/calder/pkg/memtable"
)

// Snapshot is a consistent, point-in-time view of the database. It pins
// the version it was taken against, so runs referenced by the snapshot
// are not deleted until it is released. Snapshots are cheap to create
// but holding one for a long time delays space reclamation and
// tombstone garbage collection.
type Snapshot struct {
	db       *DB
	seq      uint64
	version  *manifest.Version
	mems     []*memtable.Memtable // newest first
	released atomic.Bool
}

// Seq returns the sequence number watermark of the snapshot. Writes
// with a higher sequence number are invisible to it.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// Release drops the snapshot's references. Safe to call more than once.
func (s *Snapshot) Release() {
	if s.released.Swap(true) {
		return
	}
	s.db.mu.Lock()
	delete(s.db.snaps, s)
	s.db.mu.Unlock()
	s.version.Unref()
	s.mems = nil
	if s.db.metrics != nil {
		s.db.metrics.OpenSnapshots.Dec()
	}
}

// Snapshot captures the current state of the database. The caller must
// Release it when done.
func (db *DB) Snapshot() (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	db.mu.Lock()
	s := &Snapshot{
		db:   db,
		seq:  db.lastSeq.Load(),
		mems: db.memtablesLocked(),
	}
	db.snaps[s] = struct{}{}
	db.mu.Unlock()
	// Current both loads and refs the published version.
	s.version = db.versions.Current()
	if db.metrics != nil {
		db.metrics.OpenSnapshots.Inc()
	}
	return s, nil
}

// memtablesLocked returns the memtable chain newest first. db.mu held.
func (db *DB) memtablesLocked() []*memtable.Memtable {
	mems := make([]*memtable.Memtable, 0, len(db.frozen)+1)
	mems = append(mems, db.active)
	for i := len(db.frozen) - 1; i >= 0; i-- {
		mems = append(mems, db.frozen[i])
	}
	return mems
}

// oldestVisibleSeq returns the lowest sequence number any live snapshot
// can observe. Compaction must keep entries visible at or above it.
func (db *DB) oldestVisibleSeq() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	oldest := db.lastSeq.Load()
	for s := range db.snaps {
		if s.seq < oldest {
			oldest = s.seq
		}
	}
	return oldest
}
