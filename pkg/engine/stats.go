package engine

import "sync/atomic"

// Stats holds cumulative operation counters.
type Stats struct {
	writes         atomic.Int64
	reads          atomic.Int64
	scans          atomic.Int64
	flushes        atomic.Int64
	compactions    atomic.Int64
	bytesWritten   atomic.Int64
	bytesCompacted atomic.Int64
}

// StatsSnapshot is a point-in-time copy of engine statistics.
type StatsSnapshot struct {
	Writes         int64
	Reads          int64
	Scans          int64
	Flushes        int64
	Compactions    int64
	BytesWritten   int64
	BytesCompacted int64

	LastSeq         uint64
	FlushedSeq      uint64
	MemtableBytes   int64
	FrozenMemtables int
	OpenSnapshots   int
	LiveVersions    int
	WALSegments     int
	RunsPerLevel    []int
	DiskUsageBytes  int64
}

// Stats returns a consistent snapshot of engine statistics.
func (db *DB) Stats() StatsSnapshot {
	s := StatsSnapshot{
		Writes:         db.stats.writes.Load(),
		Reads:          db.stats.reads.Load(),
		Scans:          db.stats.scans.Load(),
		Flushes:        db.stats.flushes.Load(),
		Compactions:    db.stats.compactions.Load(),
		BytesWritten:   db.stats.bytesWritten.Load(),
		BytesCompacted: db.stats.bytesCompacted.Load(),
		LastSeq:        db.lastSeq.Load(),
		FlushedSeq:     db.versions.FlushedSeq(),
		WALSegments:    db.wal.SegmentCount(),
		LiveVersions:   db.versions.LiveVersions(),
	}

	db.mu.Lock()
	s.MemtableBytes = db.active.ApproximateSize()
	s.FrozenMemtables = len(db.frozen)
	s.OpenSnapshots = len(db.snaps)
	db.mu.Unlock()

	v := db.versions.Current()
	s.RunsPerLevel = make([]int, v.NumLevels())
	for level := 0; level < v.NumLevels(); level++ {
		s.RunsPerLevel[level] = len(v.Runs(level))
		s.DiskUsageBytes += v.LevelSize(level)
	}
	v.Unref()
	return s
}
