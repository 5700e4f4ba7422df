package engine

import (
	"bytes"
)

// Iterator yields the live key/value pairs of a range scan in ascending
// key order. Tombstones and shadowed versions are resolved internally.
// Key and Value are valid until the next call to Next.
type Iterator struct {
	merge   *mergeIterator
	snap    *Snapshot
	ownSnap bool
	seq     uint64
	hi      []byte

	lastKey  []byte
	haveLast bool
	key      []byte
	value    []byte
	err      error
	closed   bool
}

// newIterator assembles the merged view of a snapshot over [lo, hi).
func (db *DB) newIterator(snap *Snapshot, lo, hi []byte, ownSnap bool) (*Iterator, error) {
	sources := make([]internalIterator, 0, len(snap.mems)+snap.version.RunCount())
	for _, m := range snap.mems {
		sources = append(sources, m.NewIterator(lo, hi))
	}
	v := snap.version
	for level := 0; level < v.NumLevels(); level++ {
		for _, run := range v.Runs(level) {
			if run.Table == nil || run.Table.Corrupt() {
				continue
			}
			if !run.Overlaps(lo, hi) {
				continue
			}
			sources = append(sources, run.Table.NewIterator(lo, hi))
		}
	}

	db.stats.scans.Add(1)
	if db.metrics != nil {
		db.metrics.ScansTotal.Inc()
	}
	return &Iterator{
		merge:   newMergeIterator(sources),
		snap:    snap,
		ownSnap: ownSnap,
		seq:     snap.seq,
		hi:      hi,
	}, nil
}

// Next advances to the next live key. It returns false at the end of
// the range or on error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	for it.merge.Next() {
		e := it.merge.Entry()
		if e.Seq > it.seq {
			// Written after the snapshot was taken.
			continue
		}
		if it.haveLast && bytes.Equal(e.Key, it.lastKey) {
			// Older version of a key already decided.
			continue
		}
		it.lastKey = append(it.lastKey[:0], e.Key...)
		it.haveLast = true
		if e.Tombstone() {
			continue
		}
		it.key = e.Key
		it.value = e.Value
		return true
	}
	if err := it.merge.Err(); err != nil {
		it.err = opError("scan", "merge", err)
	}
	it.key = nil
	it.value = nil
	return false
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	return it.key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	return it.value
}

// Err returns the first error the scan encountered.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the iterator's sources and, for iterators created by
// DB.Scan, the implicit snapshot.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.merge.Close()
	if it.ownSnap {
		it.snap.Release()
	}
	return err
}
