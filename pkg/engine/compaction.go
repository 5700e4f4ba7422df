package engine

import (
	"bytes"
	"os"
	"time"

	"github.com/calderdb/calder/pkg/logging"
	"github.com/calderdb/calder/pkg/manifest"
	"github.com/calderdb/calder/pkg/record"
	"github.com/calderdb/calder/pkg/sstable"
)

const (
	compactionBackstopInterval = 30 * time.Second
	compactionMaxRetries       = 3
	compactionRetryBase        = 100 * time.Millisecond
)

// CompactionPlan names the runs a compaction job will merge: inputs
// from the source level plus everything overlapping them in the target
// level.
type CompactionPlan struct {
	SourceLevel int
	TargetLevel int
	Inputs      []*manifest.Run
	Overlaps    []*manifest.Run
}

func (p *CompactionPlan) runs() []*manifest.Run {
	all := make([]*manifest.Run, 0, len(p.Inputs)+len(p.Overlaps))
	all = append(all, p.Inputs...)
	all = append(all, p.Overlaps...)
	return all
}

func (p *CompactionPlan) totalBytes() int64 {
	var n int64
	for _, r := range p.runs() {
		n += r.Desc.Size
	}
	return n
}

func (p *CompactionPlan) keyRange() (min, max []byte) {
	for _, r := range p.runs() {
		if min == nil || bytes.Compare(r.Desc.MinKey, min) < 0 {
			min = r.Desc.MinKey
		}
		if max == nil || bytes.Compare(r.Desc.MaxKey, max) > 0 {
			max = r.Desc.MaxKey
		}
	}
	return min, max
}

// CompactionStrategy decides which runs to merge next. Pick returns nil
// when no level needs work.
type CompactionStrategy interface {
	Pick(v *manifest.Version) *CompactionPlan
}

// LeveledStrategy implements classic leveled compaction: L0 compacts by
// run count, deeper levels by total size against an exponential
// per-level capacity.
type LeveledStrategy struct {
	l0Trigger int
	ratio     float64
	maxLevels int
	baseSize  int64
}

func NewLeveledStrategy(l0Trigger int, ratio float64, maxLevels int, baseSize int64) *LeveledStrategy {
	return &LeveledStrategy{
		l0Trigger: l0Trigger,
		ratio:     ratio,
		maxLevels: maxLevels,
		baseSize:  baseSize,
	}
}

// maxBytesForLevel returns the capacity of a level. L0 is count-
// triggered and has no byte capacity.
func (s *LeveledStrategy) maxBytesForLevel(level int) int64 {
	size := s.baseSize
	for l := 1; l < level; l++ {
		size = int64(float64(size) * s.ratio)
	}
	return size
}

func (s *LeveledStrategy) Pick(v *manifest.Version) *CompactionPlan {
	if len(v.Runs(0)) >= s.l0Trigger {
		return s.planForLevel(v, 0)
	}
	for level := 1; level < s.maxLevels-1; level++ {
		if v.LevelSize(level) > s.maxBytesForLevel(level) {
			return s.planForLevel(v, level)
		}
	}
	return nil
}

// planForLevel builds a plan compacting the given level into the next.
// At L0 every run participates, since L0 runs overlap each other. At
// deeper levels one run is enough to shed the overflow.
func (s *LeveledStrategy) planForLevel(v *manifest.Version, level int) *CompactionPlan {
	var inputs []*manifest.Run
	if level == 0 {
		inputs = v.Runs(0)
	} else {
		runs := v.Runs(level)
		if len(runs) == 0 {
			return nil
		}
		// Pick the largest run: most bytes moved per job.
		pick := runs[0]
		for _, r := range runs[1:] {
			if r.Desc.Size > pick.Desc.Size {
				pick = r
			}
		}
		inputs = []*manifest.Run{pick}
	}
	if len(inputs) == 0 {
		return nil
	}

	plan := &CompactionPlan{
		SourceLevel: level,
		TargetLevel: level + 1,
		Inputs:      inputs,
	}
	min, max := (&CompactionPlan{Inputs: inputs}).keyRange()
	plan.Overlaps = v.OverlappingClosed(level+1, min, max)
	return plan
}

// compactionWorker runs compaction jobs picked by the strategy, with a
// ticker backstop so a quiet period still drains debt.
func (db *DB) compactionWorker() {
	defer db.wg.Done()
	ticker := time.NewTicker(compactionBackstopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stopCh:
			return
		case <-db.compactCh:
		case <-ticker.C:
		}
		db.compactPending()
	}
}

// compactPending runs jobs until the strategy is satisfied or the
// database is closing. Failed jobs are retried with backoff; after the
// retry budget the debt is left for the next wakeup.
func (db *DB) compactPending() {
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	for {
		select {
		case <-db.stopCh:
			return
		default:
		}

		v := db.versions.Current()
		plan := db.opts.Strategy.Pick(v)
		v.Unref()
		if plan == nil {
			return
		}

		var err error
		for attempt := 0; attempt <= compactionMaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-db.stopCh:
					return
				case <-time.After(compactionRetryBase << uint(attempt-1)):
				}
			}
			if err = db.runCompaction(plan); err == nil {
				break
			}
			db.logger.Warn("compaction attempt failed",
				logging.LevelNum(plan.SourceLevel),
				logging.Int("attempt", attempt+1),
				logging.Error(err))
		}
		if err != nil {
			db.logger.Error("compaction abandoned",
				logging.LevelNum(plan.SourceLevel), logging.Error(err))
			return
		}
	}
}

// maybeScheduleCompaction wakes the worker if the strategy has work.
func (db *DB) maybeScheduleCompaction() {
	if !db.opts.AutoCompaction {
		return
	}
	v := db.versions.Current()
	plan := db.opts.Strategy.Pick(v)
	v.Unref()
	if plan != nil {
		db.signalCompaction()
	}
}

// CompactNow compacts synchronously. With no arguments it drains the
// memtables and merges every run into the bottom level in one pass, so
// afterwards each key exists at most once on disk and collectable
// garbage is gone. With explicit levels it forces each named level into
// the next one even if no threshold was crossed; the bottom level is
// rewritten in place.
func (db *DB) CompactNow(levels ...int) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if err := db.Flush(); err != nil {
		return err
	}

	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	if len(levels) == 0 {
		v := db.versions.Current()
		plan := db.majorPlan(v)
		v.Unref()
		if plan == nil {
			return nil
		}
		return db.runCompaction(plan)
	}

	for _, level := range levels {
		if level < 0 || level >= db.opts.MaxLevels {
			continue
		}
		v := db.versions.Current()
		plan := db.forcePlan(v, level)
		v.Unref()
		if plan == nil {
			continue
		}
		if err := db.runCompaction(plan); err != nil {
			return err
		}
	}
	return nil
}

// majorPlan merges every live run into the bottom level.
func (db *DB) majorPlan(v *manifest.Version) *CompactionPlan {
	var inputs []*manifest.Run
	for level := 0; level < v.NumLevels(); level++ {
		inputs = append(inputs, v.Runs(level)...)
	}
	if len(inputs) == 0 {
		return nil
	}
	return &CompactionPlan{
		SourceLevel: 0,
		TargetLevel: db.opts.MaxLevels - 1,
		Inputs:      inputs,
	}
}

// forcePlan compacts one level into the next regardless of thresholds.
// The bottom level is rewritten in place to shed garbage.
func (db *DB) forcePlan(v *manifest.Version, level int) *CompactionPlan {
	runs := v.Runs(level)
	if len(runs) == 0 {
		return nil
	}
	target := level + 1
	if target > db.opts.MaxLevels-1 {
		target = level
	}
	plan := &CompactionPlan{SourceLevel: level, TargetLevel: target, Inputs: runs}
	if target != level {
		min, max := (&CompactionPlan{Inputs: runs}).keyRange()
		plan.Overlaps = v.OverlappingClosed(target, min, max)
	}
	return plan
}

// runCompaction merges the plan's runs into new runs at the target
// level and commits the swap. Callers hold compactMu.
func (db *DB) runCompaction(plan *CompactionPlan) error {
	start := time.Now()
	floor := db.oldestVisibleSeq()

	// Pin the current version so input runs cannot be deleted while the
	// merge reads them.
	v := db.versions.Current()
	defer v.Unref()

	// Tombstones can only be dropped when no older data for the key can
	// exist below the target level.
	bottom := db.isBottom(v, plan)

	sources := make([]internalIterator, 0, len(plan.Inputs)+len(plan.Overlaps))
	for _, r := range plan.runs() {
		if r.Table == nil {
			return opErrorCtx("compact", "run", r.Desc.ID.String(), sstable.ErrClosed)
		}
		sources = append(sources, r.Table.NewIterator(nil, nil))
	}
	merge := newMergeIterator(sources)
	defer merge.Close()

	out := &compactionOutput{db: db, level: plan.TargetLevel}
	var (
		lastKey     []byte
		lastKeptSeq uint64
		haveKey     bool
		dropped     int64
	)
	for merge.Next() {
		e := merge.Entry()
		sameKey := haveKey && bytes.Equal(e.Key, lastKey)

		if sameKey {
			// Shadowed by a kept version every snapshot can already
			// see: no reader can reach this entry.
			if lastKeptSeq <= floor {
				dropped++
				continue
			}
		} else {
			lastKey = append(lastKey[:0], e.Key...)
			haveKey = true
		}

		// A tombstone at the bottom of the tree has nothing left to
		// shadow once all snapshots can see it.
		if !sameKey && e.Tombstone() && bottom && e.Seq <= floor {
			lastKeptSeq = e.Seq
			dropped++
			continue
		}

		lastKeptSeq = e.Seq
		if err := out.add(e, !sameKey); err != nil {
			out.abort()
			return opError("compact", "run", err)
		}
	}
	if err := merge.Err(); err != nil {
		out.abort()
		return opError("compact", "merge", err)
	}
	descs, err := out.finish()
	if err != nil {
		out.abort()
		return opError("compact", "run", err)
	}

	edit := &manifest.Edit{}
	for _, desc := range descs {
		edit.AddRun(plan.TargetLevel, desc)
	}
	for _, r := range plan.runs() {
		edit.RemoveRun(r.Desc.Level, r.Desc.ID)
	}
	if err := db.versions.Commit(edit); err != nil {
		// Output files become orphans; recovery sweeps them.
		for _, desc := range descs {
			os.Remove(desc.Path)
		}
		return opError("compact", "manifest", err)
	}

	db.stats.compactions.Add(1)
	db.stats.bytesCompacted.Add(plan.totalBytes())
	if db.metrics != nil {
		db.metrics.RecordCompaction("ok", time.Since(start), plan.totalBytes())
	}
	db.logger.Info("compaction complete",
		logging.LevelNum(plan.SourceLevel),
		logging.Int("inputs", len(plan.Inputs)+len(plan.Overlaps)),
		logging.Int("outputs", len(descs)),
		logging.Int64("dropped", dropped),
		logging.Latency(time.Since(start)))

	db.updateLevelGauges()
	return nil
}

// isBottom reports whether no level below the target holds data
// overlapping the plan's key range.
func (db *DB) isBottom(v *manifest.Version, plan *CompactionPlan) bool {
	min, max := plan.keyRange()
	if min == nil {
		return true
	}
	for level := plan.TargetLevel + 1; level < v.NumLevels(); level++ {
		if len(v.OverlappingClosed(level, min, max)) > 0 {
			return false
		}
	}
	return true
}

// compactionOutput splits merged entries across run files of roughly
// the target size.
type compactionOutput struct {
	db    *DB
	level int
	w     *sstable.Writer
	descs []sstable.Descriptor
}

// add appends an entry, rotating to a new run file when the current one
// is full. Rotation only happens on a user key boundary so all versions
// of a key land in the same run.
func (o *compactionOutput) add(e *record.Entry, keyBoundary bool) error {
	if o.w != nil && keyBoundary && o.w.EstimatedSize() >= o.db.opts.TargetRunSize {
		desc, err := o.w.Finish()
		if err != nil {
			return err
		}
		desc.Level = o.level
		o.descs = append(o.descs, desc)
		o.w = nil
	}
	if o.w == nil {
		w, err := sstable.NewWriter(o.db.opts.Dir, sstable.NewID(), sstable.WriterOptions{
			BlockSize:   o.db.opts.BlockSize,
			Compression: o.db.opts.BlockCompression,
			BloomFPRate: o.db.opts.BloomFPRate,
		})
		if err != nil {
			return err
		}
		o.w = w
	}
	return o.w.Add(e)
}

func (o *compactionOutput) finish() ([]sstable.Descriptor, error) {
	if o.w != nil {
		if o.w.EntryCount() == 0 {
			o.w.Abort()
		} else {
			desc, err := o.w.Finish()
			if err != nil {
				return nil, err
			}
			desc.Level = o.level
			o.descs = append(o.descs, desc)
		}
		o.w = nil
	}
	return o.descs, nil
}

// abort removes every file the job produced.
func (o *compactionOutput) abort() {
	if o.w != nil {
		o.w.Abort()
		o.w = nil
	}
	for _, desc := range o.descs {
		os.Remove(desc.Path)
	}
	o.descs = nil
}

// updateLevelGauges refreshes the per-level metrics after a structural
// change.
func (db *DB) updateLevelGauges() {
	if db.metrics == nil {
		return
	}
	v := db.versions.Current()
	var disk int64
	for level := 0; level < v.NumLevels(); level++ {
		db.metrics.SetLevelRuns(level, len(v.Runs(level)))
		disk += v.LevelSize(level)
	}
	db.metrics.DiskUsageBytes.Set(float64(disk))
	db.metrics.LiveVersions.Set(float64(db.versions.LiveVersions()))
	v.Unref()
}
