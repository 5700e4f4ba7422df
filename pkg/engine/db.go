// Package engine ties the write-ahead log, memtables, sorted runs and
// the manifest together into an embedded ordered key-value store with
// snapshot isolation and background leveled compaction.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calderdb/calder/pkg/fileutil"
	"github.com/calderdb/calder/pkg/logging"
	"github.com/calderdb/calder/pkg/manifest"
	"github.com/calderdb/calder/pkg/memtable"
	"github.com/calderdb/calder/pkg/metrics"
	"github.com/calderdb/calder/pkg/record"
	"github.com/calderdb/calder/pkg/sstable"
	"github.com/calderdb/calder/pkg/wal"
)

const walDirName = "wal"

// DB is an embedded LSM key-value store. All methods are safe for
// concurrent use.
type DB struct {
	opts    Options
	logger  logging.Logger
	metrics *metrics.Registry

	wal      *wal.Log
	versions *manifest.VersionSet

	// writeMu serializes the WAL append + memtable apply path so a
	// batch becomes visible atomically and freezes never race inserts.
	writeMu sync.Mutex

	mu     sync.Mutex // guards active, frozen, memID, snaps
	active *memtable.Memtable
	frozen []*memtable.Memtable // oldest first
	memID  uint64
	snaps  map[*Snapshot]struct{}

	lastSeq atomic.Uint64

	flushMu   sync.Mutex // one flush at a time
	compactMu sync.Mutex // one compaction at a time

	flushCh   chan struct{}
	compactCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool

	stats Stats
}

// Open opens or creates a database in opts.Dir, recovering state from
// the manifest and replaying the tail of the WAL.
func Open(opts Options) (*DB, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("engine: data directory is required")
	}
	opts.applyDefaults()
	logger := opts.Logger.With(logging.Component("engine"))

	if err := fileutil.EnsureDir(opts.Dir); err != nil {
		return nil, opError("open", "directory", err)
	}

	openRun := sstable.Open
	if opts.UseMmap {
		openRun = sstable.OpenMmap
	}
	versions, err := manifest.Open(manifest.Options{
		Dir:     opts.Dir,
		Logger:  opts.Logger,
		OpenRun: openRun,
	})
	if err != nil {
		return nil, opError("open", "manifest", err)
	}

	log, err := wal.Open(wal.Options{
		Dir:         filepath.Join(opts.Dir, walDirName),
		SegmentSize: opts.WALSegmentSize,
		SyncOnWrite: opts.WALSync,
		Compression: opts.WALCompression,
		Logger:      opts.Logger,
	})
	if err != nil {
		versions.Close()
		return nil, opError("open", "wal", err)
	}

	db := &DB{
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		wal:       log,
		versions:  versions,
		memID:     1,
		snaps:     make(map[*Snapshot]struct{}),
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	db.active = memtable.New(db.memID)
	db.lastSeq.Store(versions.FlushedSeq())

	if err := db.replayWAL(); err != nil {
		log.Close()
		versions.Close()
		return nil, opError("open", "wal", err)
	}

	if opts.AutoCompaction {
		db.wg.Add(2)
		go db.flushWorker()
		go db.compactionWorker()
	}

	logger.Info("database opened",
		logging.Path(opts.Dir),
		logging.Seq(db.lastSeq.Load()),
		logging.Count(db.versionRunCount()))
	return db, nil
}

// replayWAL rebuilds the memtable chain from committed WAL entries
// newer than the manifest's flushed watermark.
func (db *DB) replayWAL() error {
	flushed := db.versions.FlushedSeq()
	replayed := 0
	err := db.wal.Replay(flushed, func(e *record.Entry) error {
		if db.active.ApproximateSize() >= db.opts.MemtableSize {
			db.freezeLocked()
		}
		if err := db.active.Insert(e); err != nil {
			return err
		}
		if e.Seq > db.lastSeq.Load() {
			db.lastSeq.Store(e.Seq)
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		db.logger.Info("wal replay complete",
			logging.Count(replayed), logging.Seq(db.lastSeq.Load()))
	}
	return nil
}

func (db *DB) versionRunCount() int {
	v := db.versions.Current()
	defer v.Unref()
	return v.RunCount()
}

// Put writes a single key/value pair.
func (db *DB) Put(key, value []byte) error {
	b := NewBatch()
	b.Put(key, value)
	return db.Write(b)
}

// Delete writes a tombstone for key. Deleting an absent key succeeds.
func (db *DB) Delete(key []byte) error {
	b := NewBatch()
	b.Delete(key)
	return db.Write(b)
}

// Write applies a batch atomically: the batch is durable once Write
// returns, and readers observe either all of it or none of it.
func (db *DB) Write(b *Batch) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if b == nil || b.Len() == 0 {
		return nil
	}
	start := time.Now()

	db.writeMu.Lock()
	if db.closed.Load() {
		db.writeMu.Unlock()
		return ErrClosed
	}
	first, _, err := db.wal.Append(b.ops)
	if err != nil {
		db.writeMu.Unlock()
		if db.metrics != nil {
			db.metrics.RecordWrite("batch", "error", time.Since(start))
		}
		return opError("write", "wal", fmt.Errorf("%w: %v", ErrWALAppendFailed, err))
	}

	db.mu.Lock()
	mem := db.active
	db.mu.Unlock()
	seq := first
	for i := range b.ops {
		op := &b.ops[i]
		e := &record.Entry{
			Key:   append([]byte(nil), op.Key...),
			Value: append([]byte(nil), op.Value...),
			Seq:   seq,
			Kind:  op.Kind,
		}
		if err := mem.Insert(e); err != nil {
			// Unreachable while writeMu is held; freezes only happen here.
			db.writeMu.Unlock()
			return opError("write", "memtable", err)
		}
		seq++
	}
	// Publish the batch. Readers loading lastSeq after this see all of it.
	db.lastSeq.Store(seq - 1)
	db.writeMu.Unlock()

	db.stats.writes.Add(int64(b.Len()))
	db.stats.bytesWritten.Add(b.size())
	if db.metrics != nil {
		db.metrics.RecordWrite("batch", "ok", time.Since(start))
		db.metrics.BytesWritten.Add(float64(b.size()))
		db.metrics.MemtableBytes.Set(float64(mem.ApproximateSize()))
	}

	db.maybeFreeze()
	return nil
}

// maybeFreeze seals the active memtable once it exceeds the size
// threshold and wakes the flush worker.
func (db *DB) maybeFreeze() {
	db.mu.Lock()
	over := db.active.ApproximateSize() >= db.opts.MemtableSize
	db.mu.Unlock()
	if !over {
		return
	}

	// Lock order is writeMu then mu, everywhere.
	db.writeMu.Lock()
	db.mu.Lock()
	froze := false
	if db.active.ApproximateSize() >= db.opts.MemtableSize {
		froze = db.freezeLocked()
	}
	db.mu.Unlock()
	db.writeMu.Unlock()
	if froze {
		db.signalFlush()
	}
}

// freezeLocked seals the active memtable and installs a fresh one.
// Callers hold writeMu and mu (or otherwise exclude writers) so no
// insert can race the swap. Returns false if the memtable was empty.
func (db *DB) freezeLocked() bool {
	if db.active.Empty() {
		return false
	}
	db.active.Freeze()
	db.frozen = append(db.frozen, db.active)
	db.memID++
	db.active = memtable.New(db.memID)
	if db.metrics != nil {
		db.metrics.FrozenTables.Set(float64(len(db.frozen)))
		db.metrics.MemtableBytes.Set(0)
	}
	db.logger.Debug("memtable frozen",
		logging.Count(len(db.frozen)), logging.Seq(db.lastSeq.Load()))
	return true
}

func (db *DB) signalFlush() {
	select {
	case db.flushCh <- struct{}{}:
	default:
	}
}

func (db *DB) signalCompaction() {
	select {
	case db.compactCh <- struct{}{}:
	default:
	}
}

// Get returns the value for key at the latest committed state. The
// second return value reports whether the key was found; deleted and
// absent keys are indistinguishable.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	start := time.Now()
	seq := db.lastSeq.Load()

	db.mu.Lock()
	mems := db.memtablesLocked()
	db.mu.Unlock()

	v := db.versions.Current()
	defer v.Unref()

	value, found, source, err := db.getAt(key, seq, mems, v)
	db.stats.reads.Add(1)
	if db.metrics != nil {
		status := "miss"
		if found {
			status = "hit"
		}
		if err != nil {
			status = "error"
		}
		db.metrics.RecordRead(source, status, time.Since(start))
		if found {
			db.metrics.BytesRead.Add(float64(len(value)))
		}
	}
	return value, found, err
}

// getAt resolves key at the given sequence watermark against a fixed
// memtable chain (newest first) and version.
func (db *DB) getAt(key []byte, seq uint64, mems []*memtable.Memtable, v *manifest.Version) (value []byte, found bool, source string, err error) {
	for _, m := range mems {
		if e, ok := m.Get(key, seq); ok {
			if e.Tombstone() {
				return nil, false, "memtable", nil
			}
			return e.Value, true, "memtable", nil
		}
	}

	// L0 runs overlap; newest first so the first hit wins.
	for _, run := range v.Runs(0) {
		e, ok, err := db.runGet(run, key, seq)
		if err != nil {
			return nil, false, "l0", err
		}
		if ok {
			if e.Tombstone() {
				return nil, false, "l0", nil
			}
			return e.Value, true, "l0", nil
		}
	}

	// One candidate run per deeper level.
	for level := 1; level < v.NumLevels(); level++ {
		for _, run := range v.OverlappingClosed(level, key, key) {
			e, ok, err := db.runGet(run, key, seq)
			if err != nil {
				return nil, false, "level", err
			}
			if ok {
				if e.Tombstone() {
					return nil, false, "level", nil
				}
				return e.Value, true, "level", nil
			}
		}
	}
	return nil, false, "none", nil
}

// runGet probes a single run, skipping ones already marked corrupt.
func (db *DB) runGet(run *manifest.Run, key []byte, seq uint64) (*record.Entry, bool, error) {
	t := run.Table
	if t == nil || t.Corrupt() {
		return nil, false, nil
	}
	if !t.MayContain(key) {
		return nil, false, nil
	}
	e, ok, err := t.Get(key, seq)
	if err != nil {
		db.logger.Error("run read failed",
			logging.Run(run.Desc.ID.String()), logging.Error(err))
		return nil, false, opErrorCtx("get", "run", run.Desc.ID.String(), err)
	}
	return e, ok, nil
}

// Scan returns an iterator over [lo, hi) at the latest committed state.
// A nil bound is unbounded. The iterator holds an implicit snapshot
// that is released by Close.
func (db *DB) Scan(lo, hi []byte) (*Iterator, error) {
	snap, err := db.Snapshot()
	if err != nil {
		return nil, err
	}
	it, err := db.newIterator(snap, lo, hi, true)
	if err != nil {
		snap.Release()
		return nil, err
	}
	return it, nil
}

// Scan returns an iterator over [lo, hi) as of the snapshot.
func (s *Snapshot) Scan(lo, hi []byte) (*Iterator, error) {
	if s.released.Load() {
		return nil, ErrSnapshotReleased
	}
	return s.db.newIterator(s, lo, hi, false)
}

// Get resolves key as of the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	if s.released.Load() {
		return nil, false, ErrSnapshotReleased
	}
	value, found, _, err := s.db.getAt(key, s.seq, s.mems, s.version)
	return value, found, err
}

// Flush seals the active memtable and synchronously writes every frozen
// memtable out as an L0 run.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.writeMu.Lock()
	db.mu.Lock()
	db.freezeLocked()
	db.mu.Unlock()
	db.writeMu.Unlock()

	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	for {
		flushed, err := db.flushOne()
		if err != nil {
			return err
		}
		if !flushed {
			return nil
		}
	}
}

// Close stops background work, flushes remaining memtables and releases
// all resources. The database must not be used afterwards.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	close(db.stopCh)
	db.wg.Wait()

	// Wait out any in-flight write, then drain memtables so reopening
	// needs no WAL replay.
	db.writeMu.Lock()
	db.mu.Lock()
	db.freezeLocked()
	db.mu.Unlock()
	db.writeMu.Unlock()

	db.flushMu.Lock()
	for {
		flushed, err := db.flushOne()
		if err != nil {
			// Keep the WAL; replay will recover what the flush could not.
			db.logger.Error("flush during close failed", logging.Error(err))
			break
		}
		if !flushed {
			break
		}
	}
	db.flushMu.Unlock()

	var first error
	if err := db.wal.Close(); err != nil {
		first = err
	}
	if err := db.versions.Close(); err != nil && first == nil {
		first = err
	}
	db.logger.Info("database closed", logging.Path(db.opts.Dir))
	return first
}
