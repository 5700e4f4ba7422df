// Package wal implements the segmented write-ahead log. A write batch is
// appended as one framed record per operation followed by a commit marker;
// a batch is only considered committed once its commit marker is durably on
// disk, which makes batch application all-or-nothing across crashes.
package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/calderdb/calder/pkg/fileutil"
	"github.com/calderdb/calder/pkg/logging"
	"github.com/calderdb/calder/pkg/record"
)

// Compression selects the segment payload codec.
type Compression uint8

const (
	// NoCompression stores record payloads verbatim.
	NoCompression Compression = iota
	// SnappyCompression compresses each record payload with snappy.
	SnappyCompression
)

var (
	// ErrClosed is returned when appending to a closed log.
	ErrClosed = errors.New("wal: log is closed")
	// ErrEmptyBatch is returned when appending a batch with no operations.
	ErrEmptyBatch = errors.New("wal: empty batch")
)

// Op is a single operation inside a write batch.
type Op struct {
	Kind  record.Kind
	Key   []byte
	Value []byte
}

// Options configures the log.
type Options struct {
	Dir         string
	SegmentSize int64 // rotation threshold for segment files
	SyncOnWrite bool  // fsync every append before returning
	Compression Compression
	Logger      logging.Logger
}

// DefaultOptions returns a sensible configuration for the given directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:         dir,
		SegmentSize: 16 * 1024 * 1024,
		SyncOnWrite: true,
		Compression: NoCompression,
	}
}

// segmentInfo describes a sealed (read-only) segment file.
type segmentInfo struct {
	num    uint64
	path   string
	minSeq uint64
	maxSeq uint64
}

// Log is the write-ahead log manager.
type Log struct {
	mu      sync.Mutex
	opts    Options
	dir     string
	logger  logging.Logger
	active  *segment
	sealed  []segmentInfo
	nextSeq uint64
	closed  bool
}

// Open opens or creates the log in opts.Dir. Existing segments are scanned
// to recover the next sequence number; committed batches can then be
// re-delivered through Replay.
func Open(opts Options) (*Log, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 16 * 1024 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if err := fileutil.EnsureDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	l := &Log{
		opts:    opts,
		dir:     opts.Dir,
		logger:  opts.Logger.With(logging.Component("wal")),
		nextSeq: 1,
	}

	nums, err := listSegments(opts.Dir)
	if err != nil {
		return nil, err
	}

	// Scan existing segments to recover sequence bounds. The old tail is
	// only ever replayed; appends always go to a fresh segment.
	var nextNum uint64 = 1
	for _, num := range nums {
		path := segmentPath(opts.Dir, num)
		info, err := scanSegment(path, num)
		if err != nil {
			return nil, err
		}
		if info.maxSeq >= l.nextSeq {
			l.nextSeq = info.maxSeq + 1
		}
		l.sealed = append(l.sealed, info)
		if num >= nextNum {
			nextNum = num + 1
		}
	}

	seg, err := createSegment(opts.Dir, nextNum, opts.Compression)
	if err != nil {
		return nil, err
	}
	l.active = seg

	l.logger.Info("wal opened",
		logging.Path(opts.Dir),
		logging.Count(len(l.sealed)),
		logging.Seq(l.nextSeq))
	return l, nil
}

// Append durably appends a batch and returns its sequence number range.
// The batch is framed with a trailing commit marker; recovery discards
// batches whose marker never reached disk.
func (l *Log) Append(ops []Op) (first, last uint64, err error) {
	if len(ops) == 0 {
		return 0, 0, ErrEmptyBatch
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, 0, ErrClosed
	}

	// Rotate between batches only, so a batch never spans segments.
	if l.active.size >= l.opts.SegmentSize {
		if err := l.rotateLocked(); err != nil {
			return 0, 0, err
		}
	}

	first = l.nextSeq
	last = first + uint64(len(ops)) - 1

	// Burn the range up front: after the first write the bytes may reach
	// disk even when a later step fails, and a reissued sequence number
	// would collide with them on replay.
	l.nextSeq = last + 1

	for i, op := range ops {
		e := record.Entry{
			Key:   op.Key,
			Value: op.Value,
			Seq:   first + uint64(i),
			Kind:  op.Kind,
		}
		if err := l.active.writeRecord(&e); err != nil {
			return 0, 0, fmt.Errorf("wal: append failed: %w", err)
		}
	}
	commit := record.Entry{Seq: last, Kind: record.KindCommit}
	if err := l.active.writeRecord(&commit); err != nil {
		return 0, 0, fmt.Errorf("wal: commit marker failed: %w", err)
	}

	if err := l.active.flush(); err != nil {
		return 0, 0, fmt.Errorf("wal: flush failed: %w", err)
	}
	if l.opts.SyncOnWrite {
		if err := l.active.sync(); err != nil {
			return 0, 0, fmt.Errorf("wal: sync failed: %w", err)
		}
	}

	l.active.noteSeqRange(first, last)
	return first, last, nil
}

// Sync flushes and fsyncs the active segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.active.flush(); err != nil {
		return err
	}
	return l.active.sync()
}

// NextSeq returns the sequence number the next append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// SegmentCount returns the number of live segment files.
func (l *Log) SegmentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sealed) + 1
}

// rotateLocked seals the active segment and starts a new one.
func (l *Log) rotateLocked() error {
	if err := l.active.seal(); err != nil {
		return err
	}
	if l.active.maxSeq > 0 {
		l.sealed = append(l.sealed, segmentInfo{
			num:    l.active.num,
			path:   l.active.path,
			minSeq: l.active.minSeq,
			maxSeq: l.active.maxSeq,
		})
	} else {
		// Nothing was ever committed to it.
		os.Remove(l.active.path)
	}

	seg, err := createSegment(l.dir, l.active.num+1, l.opts.Compression)
	if err != nil {
		return err
	}
	l.logger.Debug("wal segment rotated", logging.Segment(seg.num))
	l.active = seg
	return nil
}

// Retire deletes sealed segments whose entire sequence range is at or below
// flushedSeq. The active segment is never removed.
func (l *Log) Retire(flushedSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.sealed[:0]
	for _, info := range l.sealed {
		if info.maxSeq <= flushedSeq {
			if err := os.Remove(info.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: failed to remove segment %d: %w", info.num, err)
			}
			l.logger.Debug("wal segment retired",
				logging.Segment(info.num), logging.Seq(info.maxSeq))
			continue
		}
		kept = append(kept, info)
	}
	l.sealed = kept
	return nil
}

// Replay delivers every committed entry with sequence number greater than
// minSeq, in append order. Replay stops cleanly at the first corrupt or
// truncated record; everything before it is intact, everything after it was
// never acknowledged.
func (l *Log) Replay(minSeq uint64, fn func(*record.Entry) error) error {
	l.mu.Lock()
	segments := make([]string, 0, len(l.sealed)+1)
	for _, info := range l.sealed {
		segments = append(segments, info.path)
	}
	segments = append(segments, l.active.path)
	if err := l.active.flush(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	for _, path := range segments {
		clean, err := replaySegment(path, minSeq, l.logger, fn)
		if err != nil {
			return err
		}
		if !clean {
			// Corruption truncates the log: later segments were written
			// after the damaged region and must not be trusted.
			return nil
		}
	}
	return nil
}

// Close flushes, syncs and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.active.close()
}

// listSegments returns the numbers of all segment files in dir, ascending.
func listSegments(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return nil, err
	}
	nums := make([]uint64, 0, len(matches))
	for _, m := range matches {
		var num uint64
		if _, err := fmt.Sscanf(filepath.Base(m), "%06d.wal", &num); err != nil {
			continue
		}
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func segmentPath(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.wal", num))
}
