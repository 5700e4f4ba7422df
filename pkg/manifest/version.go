// Package manifest tracks which sorted runs constitute the database. The
// live run set is an immutable, reference-counted Version; commits build a
// new Version copy-on-write and publish it atomically, and every transition
// is persisted to an append-only manifest log so the set survives restarts.
package manifest

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/calderdb/calder/pkg/sstable"
)

// Run is one sorted run plus its open reader and life-cycle state. The
// reference count is the number of versions that include the run; once an
// edit removes it and the last referencing version dies, the file is
// scheduled for deletion.
type Run struct {
	Desc  sstable.Descriptor
	Table *sstable.Reader

	refs     atomic.Int32
	obsolete atomic.Bool
	set      *VersionSet
}

func (r *Run) ref() {
	r.refs.Add(1)
}

func (r *Run) unref() {
	n := r.refs.Add(-1)
	if n != 0 {
		return
	}
	if r.obsolete.Load() {
		r.set.scheduleDelete(r)
	} else if r.Table != nil {
		// Only reachable when a failed commit discards a version that
		// was never published; the file itself stays for orphan sweep.
		r.Table.Close()
	}
}

// markObsolete flags the run for deletion once unreferenced.
func (r *Run) markObsolete() {
	if r.obsolete.Swap(true) {
		return
	}
	if r.refs.Load() == 0 {
		r.set.scheduleDelete(r)
	}
}

// Overlaps reports whether the run's key range intersects [lo, hi), with
// nil meaning unbounded.
func (r *Run) Overlaps(lo, hi []byte) bool {
	if hi != nil && bytes.Compare(r.Desc.MinKey, hi) >= 0 {
		return false
	}
	if lo != nil && bytes.Compare(r.Desc.MaxKey, lo) < 0 {
		return false
	}
	return true
}

// OverlapsClosed reports whether the run's key range intersects the closed
// interval [min, max].
func (r *Run) OverlapsClosed(min, max []byte) bool {
	return bytes.Compare(r.Desc.MinKey, max) <= 0 && bytes.Compare(r.Desc.MaxKey, min) >= 0
}

// Version is an immutable snapshot of the live run set. Level 0 runs are
// ordered newest-first; higher levels are key-ordered and non-overlapping.
type Version struct {
	set        *VersionSet
	levels     [][]*Run
	flushedSeq uint64
	refs       atomic.Int32
}

func newVersion(set *VersionSet, levels [][]*Run, flushedSeq uint64) *Version {
	v := &Version{set: set, levels: levels, flushedSeq: flushedSeq}
	for _, level := range levels {
		for _, run := range level {
			run.ref()
		}
	}
	set.liveVersions.Add(1)
	return v
}

// Ref pins the version (and transitively its runs) against deletion.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases the pin. When the last reference drops, the version's
// runs are released; removed runs whose count reaches zero get their files
// deleted.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, level := range v.levels {
		for _, run := range level {
			run.unref()
		}
	}
	v.set.liveVersions.Add(-1)
}

// FlushedSeq returns the highest sequence number durably stored in runs.
// WAL content at or below it is redundant.
func (v *Version) FlushedSeq() uint64 {
	return v.flushedSeq
}

// NumLevels returns the number of levels tracked, including empty ones.
func (v *Version) NumLevels() int {
	return len(v.levels)
}

// Runs returns the runs at the given level. The slice is shared and must
// not be mutated.
func (v *Version) Runs(level int) []*Run {
	if level >= len(v.levels) {
		return nil
	}
	return v.levels[level]
}

// RunCount returns the total number of runs across levels.
func (v *Version) RunCount() int {
	n := 0
	for _, level := range v.levels {
		n += len(level)
	}
	return n
}

// LevelSize returns the total file size at a level in bytes.
func (v *Version) LevelSize(level int) int64 {
	var size int64
	for _, run := range v.Runs(level) {
		size += run.Desc.Size
	}
	return size
}

// Overlapping returns the runs at level whose key ranges intersect
// [lo, hi), in the level's storage order.
func (v *Version) Overlapping(level int, lo, hi []byte) []*Run {
	var out []*Run
	for _, run := range v.Runs(level) {
		if run.Overlaps(lo, hi) {
			out = append(out, run)
		}
	}
	return out
}

// OverlappingClosed returns the runs at level intersecting the closed
// interval [min, max].
func (v *Version) OverlappingClosed(level int, min, max []byte) []*Run {
	var out []*Run
	for _, run := range v.Runs(level) {
		if run.OverlapsClosed(min, max) {
			out = append(out, run)
		}
	}
	return out
}

// sortLevel establishes the level's storage order: level 0 newest-first by
// run id (UUIDv7, so id order is creation order), higher levels ascending
// by min key.
func sortLevel(level int, runs []*Run) {
	if level == 0 {
		sort.Slice(runs, func(i, j int) bool {
			return bytes.Compare(runs[i].Desc.ID[:], runs[j].Desc.ID[:]) > 0
		})
		return
	}
	sort.Slice(runs, func(i, j int) bool {
		return bytes.Compare(runs[i].Desc.MinKey, runs[j].Desc.MinKey) < 0
	})
}
