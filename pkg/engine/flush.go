package engine

import (
	"time"

	"github.com/calderdb/calder/pkg/logging"
	"github.com/calderdb/calder/pkg/manifest"
	"github.com/calderdb/calder/pkg/memtable"
	"github.com/calderdb/calder/pkg/sstable"
)

const flushBackstopInterval = 10 * time.Second

// flushWorker drains frozen memtables in the background. A ticker
// backstop catches signals lost while a flush was already running.
func (db *DB) flushWorker() {
	defer db.wg.Done()
	ticker := time.NewTicker(flushBackstopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stopCh:
			return
		case <-db.flushCh:
		case <-ticker.C:
		}
		db.drainFrozen()
	}
}

func (db *DB) drainFrozen() {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	for {
		select {
		case <-db.stopCh:
			return
		default:
		}
		flushed, err := db.flushOne()
		if err != nil {
			// The frozen memtable stays queued; the backstop retries.
			db.logger.Error("flush failed", logging.Error(err))
			return
		}
		if !flushed {
			return
		}
	}
}

// flushOne writes the oldest frozen memtable out as an L0 run and
// commits it to the manifest. Returns false when nothing was pending.
// Callers hold flushMu.
func (db *DB) flushOne() (bool, error) {
	db.mu.Lock()
	if len(db.frozen) == 0 {
		db.mu.Unlock()
		return false, nil
	}
	mem := db.frozen[0]
	db.mu.Unlock()

	start := time.Now()
	desc, err := db.writeRun(mem)
	if err != nil {
		if db.metrics != nil {
			db.metrics.RecordFlush("error", time.Since(start))
		}
		return false, opError("flush", "run", err)
	}

	edit := &manifest.Edit{FlushedSeq: mem.LastSeq()}
	edit.AddRun(0, desc)
	if err := db.versions.Commit(edit); err != nil {
		// The orphaned run file is swept on the next recovery.
		if db.metrics != nil {
			db.metrics.RecordFlush("error", time.Since(start))
		}
		return false, opError("flush", "manifest", err)
	}

	// Only now can the memtable leave the chain: readers needed it
	// until the run was visible.
	db.mu.Lock()
	db.frozen = db.frozen[1:]
	frozenLeft := len(db.frozen)
	db.mu.Unlock()

	if err := db.wal.Retire(db.versions.FlushedSeq()); err != nil {
		db.logger.Warn("wal retire failed", logging.Error(err))
	}

	db.stats.flushes.Add(1)
	if db.metrics != nil {
		db.metrics.RecordFlush("ok", time.Since(start))
		db.metrics.FrozenTables.Set(float64(frozenLeft))
		db.metrics.WALSegments.Set(float64(db.wal.SegmentCount()))
	}
	db.logger.Info("memtable flushed",
		logging.Run(desc.ID.String()),
		logging.Int64("bytes", desc.Size),
		logging.Seq(mem.LastSeq()),
		logging.Latency(time.Since(start)))

	db.updateLevelGauges()
	db.maybeScheduleCompaction()
	return true, nil
}

// writeRun streams a frozen memtable into a new sorted run file.
func (db *DB) writeRun(mem *memtable.Memtable) (sstable.Descriptor, error) {
	id := sstable.NewID()
	w, err := sstable.NewWriter(db.opts.Dir, id, sstable.WriterOptions{
		BlockSize:       db.opts.BlockSize,
		Compression:     db.opts.BlockCompression,
		BloomFPRate:     db.opts.BloomFPRate,
		ExpectedEntries: int(mem.Len()),
	})
	if err != nil {
		return sstable.Descriptor{}, err
	}

	it := mem.NewIterator(nil, nil)
	for it.Next() {
		if err := w.Add(it.Entry()); err != nil {
			w.Abort()
			return sstable.Descriptor{}, err
		}
	}
	it.Close()
	return w.Finish()
}
