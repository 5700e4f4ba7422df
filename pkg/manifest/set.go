package manifest

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/calderdb/calder/pkg/fileutil"
	"github.com/calderdb/calder/pkg/logging"
	"github.com/calderdb/calder/pkg/sstable"
)

const (
	currentFile    = "CURRENT"
	manifestPrefix = "MANIFEST-"

	recordHeaderSize = 8
	maxRecordSize    = 64 * 1024 * 1024
)

// Options configures the version set.
type Options struct {
	Dir    string
	Logger logging.Logger
	// OpenRun opens a reader for a recovered or newly added run.
	OpenRun func(desc sstable.Descriptor) (*sstable.Reader, error)
	// SnapshotEvery rewrites the manifest as a full snapshot after this
	// many committed edits. Zero means the default of 64.
	SnapshotEvery int
}

// VersionSet owns the linear history of versions. Commits are serialized;
// acquiring the current version never blocks behind a commit's I/O.
type VersionSet struct {
	opts   Options
	dir    string
	logger logging.Logger

	commitMu  sync.Mutex // serializes Commit and snapshot rewrites
	acquireMu sync.Mutex // guards publish and ref-acquisition of current
	current   atomic.Pointer[Version]

	logFile     *os.File
	logW        *bufio.Writer
	manifestNum uint64
	editsSince  int

	// Runs that failed to open as corrupt during recovery. Not part of
	// any version, but their manifest records are carried through
	// snapshot rewrites so the files stay referenced and unswept.
	corruptRuns []runRecord

	liveVersions atomic.Int32

	cleanMu   sync.Mutex
	cleanCh   chan string
	cleanDone chan struct{}
	closed    bool
}

// Open recovers the version set from dir, creating a fresh manifest when
// none exists.
func Open(opts Options) (*VersionSet, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 64
	}
	if opts.OpenRun == nil {
		opts.OpenRun = func(desc sstable.Descriptor) (*sstable.Reader, error) {
			return sstable.Open(desc)
		}
	}
	if err := fileutil.EnsureDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("manifest: failed to create directory: %w", err)
	}

	s := &VersionSet{
		opts:      opts,
		dir:       opts.Dir,
		logger:    opts.Logger.With(logging.Component("manifest")),
		cleanCh:   make(chan string, 1024),
		cleanDone: make(chan struct{}),
	}

	if fileutil.FileExists(filepath.Join(s.dir, currentFile)) {
		if err := s.recover(); err != nil {
			return nil, err
		}
	} else {
		if err := s.bootstrap(); err != nil {
			return nil, err
		}
	}

	go s.cleaner()
	return s, nil
}

// bootstrap creates the first manifest file with an empty snapshot.
func (s *VersionSet) bootstrap() error {
	s.manifestNum = 1
	if err := s.openLog(true); err != nil {
		return err
	}
	if err := s.appendRecord(logRecord{Snapshot: true}); err != nil {
		return err
	}
	if err := s.syncLog(); err != nil {
		return err
	}
	if err := s.writeCurrent(); err != nil {
		return err
	}

	v := newVersion(s, make([][]*Run, 1), 0)
	v.Ref() // the set's own reference
	s.current.Store(v)
	return nil
}

// recover rebuilds the live run set from CURRENT plus the manifest log,
// opens readers for every live run and sweeps orphan run files.
func (s *VersionSet) recover() error {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if err != nil {
		return fmt.Errorf("manifest: failed to read CURRENT: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if _, err := fmt.Sscanf(name, manifestPrefix+"%06d", &s.manifestNum); err != nil {
		return fmt.Errorf("manifest: malformed CURRENT content %q", name)
	}

	recs, err := readAllRecords(filepath.Join(s.dir, name), s.logger)
	if err != nil {
		return err
	}

	// Replay: a snapshot record resets the state, deltas mutate it.
	state := make(map[string]runRecord)
	var flushedSeq uint64
	for _, rec := range recs {
		if rec.Snapshot {
			state = make(map[string]runRecord)
			for _, rr := range rec.Runs {
				state[rr.ID] = rr
			}
			if rec.FlushedSeq > 0 {
				flushedSeq = rec.FlushedSeq
			}
			continue
		}
		for _, rr := range rec.Added {
			state[rr.ID] = rr
		}
		for _, rm := range rec.Removed {
			delete(state, rm.ID)
		}
		if rec.FlushedSeq > flushedSeq {
			flushedSeq = rec.FlushedSeq
		}
	}

	maxLevel := 0
	for _, rr := range state {
		if rr.Level > maxLevel {
			maxLevel = rr.Level
		}
	}
	levels := make([][]*Run, maxLevel+1)
	live := make(map[string]bool, len(state))
	for _, rr := range state {
		desc, err := rr.descriptor(s.dir)
		if err != nil {
			return err
		}
		table, err := s.opts.OpenRun(desc)
		if err != nil {
			if errors.Is(err, sstable.ErrCorruption) {
				// Excluded from reads until compacted away or repaired
				// out of band; losing it silently would be worse. The
				// file stays on disk, so the sweep must not touch it.
				s.logger.Error("corrupt run excluded from recovery",
					logging.Run(rr.ID), logging.Error(err))
				live[filepath.Base(desc.Path)] = true
				s.corruptRuns = append(s.corruptRuns, rr)
				continue
			}
			return fmt.Errorf("manifest: failed to open run %s: %w", rr.ID, err)
		}
		live[filepath.Base(desc.Path)] = true
		levels[rr.Level] = append(levels[rr.Level], &Run{Desc: desc, Table: table, set: s})
	}
	for level := range levels {
		sortLevel(level, levels[level])
	}

	if err := s.openLog(false); err != nil {
		return err
	}

	v := newVersion(s, levels, flushedSeq)
	v.Ref()
	s.current.Store(v)

	s.sweepOrphans(live)

	s.logger.Info("manifest recovered",
		logging.Count(len(state)), logging.Seq(flushedSeq))
	return nil
}

// sweepOrphans removes run files that the manifest does not reference.
// They are leftovers of flushes or compactions that crashed before commit.
func (s *VersionSet) sweepOrphans(live map[string]bool) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+sstable.FileSuffix))
	if err != nil {
		return
	}
	for _, path := range matches {
		if live[filepath.Base(path)] {
			continue
		}
		s.logger.Warn("removing orphan run file", logging.Path(path))
		os.Remove(path)
	}
}

// Current returns the live version with a reference held for the caller.
// Callers must Unref when done.
func (s *VersionSet) Current() *Version {
	s.acquireMu.Lock()
	v := s.current.Load()
	v.Ref()
	s.acquireMu.Unlock()
	return v
}

// FlushedSeq returns the current version's flushed-sequence watermark.
func (s *VersionSet) FlushedSeq() uint64 {
	v := s.Current()
	defer v.Unref()
	return v.FlushedSeq()
}

// LiveVersions returns the number of versions still referenced.
func (s *VersionSet) LiveVersions() int {
	return int(s.liveVersions.Load())
}

// Commit applies the edit, persists it and publishes the resulting
// version. Commits are serialized but readers of the previous version are
// never blocked.
func (s *VersionSet) Commit(edit *Edit) error {
	if edit.Empty() {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	old := s.current.Load()
	next, removed, err := s.applyEdit(old, edit)
	if err != nil {
		return err
	}
	next.Ref() // the set's reference

	if err := s.appendRecord(editToRecord(edit)); err != nil {
		next.Unref()
		return err
	}
	if err := s.syncLog(); err != nil {
		next.Unref()
		return err
	}
	s.editsSince++

	// Publish. The set's reference moves from old to next.
	s.acquireMu.Lock()
	s.current.Store(next)
	s.acquireMu.Unlock()
	for _, run := range removed {
		run.markObsolete()
	}
	old.Unref()

	if s.editsSince >= s.opts.SnapshotEvery {
		if err := s.rewriteSnapshot(next); err != nil {
			// The old manifest is still complete; rewriting again after
			// the next commit is safe.
			s.logger.Warn("manifest snapshot rewrite failed", logging.Error(err))
		}
	}
	return nil
}

// applyEdit builds the successor version. The returned runs are the ones
// the edit removed; they are marked obsolete only after publish.
func (s *VersionSet) applyEdit(old *Version, edit *Edit) (*Version, []*Run, error) {
	maxLevel := len(old.levels) - 1
	for _, a := range edit.Added {
		if a.Level > maxLevel {
			maxLevel = a.Level
		}
	}

	removedSet := make(map[string]bool, len(edit.Removed))
	for _, rm := range edit.Removed {
		removedSet[rm.ID.String()] = true
	}

	levels := make([][]*Run, maxLevel+1)
	var removed []*Run
	for level := 0; level <= maxLevel; level++ {
		for _, run := range old.Runs(level) {
			if removedSet[run.Desc.ID.String()] {
				removed = append(removed, run)
				continue
			}
			levels[level] = append(levels[level], run)
		}
	}
	if len(removed) != len(edit.Removed) {
		return nil, nil, fmt.Errorf("manifest: edit removes %d runs, %d found",
			len(edit.Removed), len(removed))
	}

	var opened []*sstable.Reader
	for _, a := range edit.Added {
		desc := a.Desc
		desc.Level = a.Level
		table, err := s.opts.OpenRun(desc)
		if err != nil {
			for _, t := range opened {
				t.Close()
			}
			return nil, nil, fmt.Errorf("manifest: failed to open added run %s: %w", desc.ID, err)
		}
		opened = append(opened, table)
		levels[a.Level] = append(levels[a.Level], &Run{Desc: desc, Table: table, set: s})
	}
	for level := range levels {
		sortLevel(level, levels[level])
	}

	flushedSeq := old.flushedSeq
	if edit.FlushedSeq > flushedSeq {
		flushedSeq = edit.FlushedSeq
	}
	return newVersion(s, levels, flushedSeq), removed, nil
}

// rewriteSnapshot starts a new manifest file whose first record is the
// full state, swings CURRENT to it and removes the old file.
func (s *VersionSet) rewriteSnapshot(v *Version) error {
	oldNum := s.manifestNum
	oldFile, oldW := s.logFile, s.logW
	revert := func() {
		newPath := filepath.Join(s.dir, manifestName(s.manifestNum))
		s.logFile.Close()
		os.Remove(newPath)
		s.manifestNum = oldNum
		s.logFile, s.logW = oldFile, oldW
	}

	s.manifestNum++
	if err := s.openLog(true); err != nil {
		s.manifestNum = oldNum
		s.logFile, s.logW = oldFile, oldW
		return err
	}

	rec := logRecord{Snapshot: true, FlushedSeq: v.flushedSeq}
	for level, runs := range v.levels {
		for _, run := range runs {
			rec.Runs = append(rec.Runs, toRunRecord(level, run.Desc))
		}
	}
	// Corrupt runs live outside the version but must stay referenced.
	rec.Runs = append(rec.Runs, s.corruptRuns...)
	if err := s.appendRecord(rec); err != nil {
		revert()
		return err
	}
	if err := s.syncLog(); err != nil {
		revert()
		return err
	}
	if err := s.writeCurrent(); err != nil {
		revert()
		return err
	}

	oldW.Flush()
	oldFile.Close()
	os.Remove(filepath.Join(s.dir, manifestName(oldNum)))
	s.editsSince = 0
	s.logger.Debug("manifest snapshot rewritten",
		logging.Count(len(rec.Runs)), logging.Uint64("manifest", s.manifestNum))
	return nil
}

// Close flushes the manifest log and stops the cleaner. Pending deletions
// are completed; runs still referenced only by the final version have their
// readers closed.
func (s *VersionSet) Close() error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	v := s.current.Load()
	var tables []*sstable.Reader
	for _, level := range v.levels {
		for _, run := range level {
			tables = append(tables, run.Table)
		}
	}
	v.Unref() // the set's reference

	s.cleanMu.Lock()
	s.closed = true
	close(s.cleanCh)
	s.cleanMu.Unlock()
	<-s.cleanDone

	for _, t := range tables {
		if t != nil {
			t.Close()
		}
	}

	if err := s.logW.Flush(); err != nil {
		return err
	}
	if err := s.logFile.Sync(); err != nil {
		return err
	}
	return s.logFile.Close()
}

// scheduleDelete hands a dead run's file to the cleaner.
func (s *VersionSet) scheduleDelete(r *Run) {
	if r.Table != nil {
		r.Table.Close()
	}
	s.cleanMu.Lock()
	if s.closed {
		s.cleanMu.Unlock()
		os.Remove(r.Desc.Path)
		return
	}
	select {
	case s.cleanCh <- r.Desc.Path:
	default:
		// Cleaner backlog full; delete inline rather than dropping it.
		os.Remove(r.Desc.Path)
	}
	s.cleanMu.Unlock()
}

func (s *VersionSet) cleaner() {
	defer close(s.cleanDone)
	for path := range s.cleanCh {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to delete retired run", logging.Path(path), logging.Error(err))
			continue
		}
		s.logger.Debug("retired run deleted", logging.Path(path))
	}
}

func manifestName(num uint64) string {
	return fmt.Sprintf("%s%06d", manifestPrefix, num)
}

func (s *VersionSet) openLog(truncate bool) error {
	flags := os.O_RDWR | os.O_CREATE | os.O_APPEND
	if truncate {
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	path := filepath.Join(s.dir, manifestName(s.manifestNum))
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("manifest: failed to open log: %w", err)
	}
	s.logFile = file
	s.logW = bufio.NewWriter(file)
	return nil
}

func (s *VersionSet) writeCurrent() error {
	content := manifestName(s.manifestNum) + "\n"
	return fileutil.AtomicWriteFile(filepath.Join(s.dir, currentFile), []byte(content))
}

// appendRecord frames a record as [len | crc32 | json] and buffers it.
func (s *VersionSet) appendRecord(rec logRecord) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(data))
	if _, err := s.logW.Write(hdr[:]); err != nil {
		return err
	}
	_, err = s.logW.Write(data)
	return err
}

func (s *VersionSet) syncLog() error {
	if err := s.logW.Flush(); err != nil {
		return err
	}
	return s.logFile.Sync()
}

// readAllRecords reads the manifest log, stopping cleanly at a truncated
// or corrupt tail; everything before it is a consistent prefix.
func readAllRecords(path string, logger logging.Logger) ([]logRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open log: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var recs []logRecord
	for {
		var hdr [recordHeaderSize]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if err == io.EOF {
				return recs, nil
			}
			logger.Warn("manifest log truncated mid-header", logging.Path(path))
			return recs, nil
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
		if n == 0 || n > maxRecordSize {
			logger.Warn("manifest log corrupt record length", logging.Path(path))
			return recs, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(reader, data); err != nil {
			logger.Warn("manifest log truncated mid-record", logging.Path(path))
			return recs, nil
		}
		if crc32.ChecksumIEEE(data) != wantCRC {
			logger.Warn("manifest log checksum mismatch", logging.Path(path))
			return recs, nil
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			logger.Warn("manifest log undecodable record", logging.Error(err))
			return recs, nil
		}
		recs = append(recs, rec)
	}
}
