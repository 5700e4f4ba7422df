package sstable

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/willf/bloom"

	"github.com/calderdb/calder/pkg/fileutil"
	"github.com/calderdb/calder/pkg/record"
)

// WriterOptions configures run construction.
type WriterOptions struct {
	BlockSize       int     // target uncompressed data block size
	Compression     Compression
	BloomFPRate     float64 // bloom filter false-positive rate
	ExpectedEntries int     // sizing hint for the bloom filter
}

// DefaultWriterOptions returns the engine's defaults.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BlockSize:       4 * 1024,
		Compression:     SnappyCompression,
		BloomFPRate:     0.01,
		ExpectedEntries: 1 << 16,
	}
}

// Writer builds a sorted run file. Entries must be added in strictly
// increasing internal key order; the file is invisible to readers until
// Finish returns.
type Writer struct {
	id     uuid.UUID
	path   string
	file   *os.File
	w      *bufio.Writer
	opts   WriterOptions
	block  blockBuilder
	index  []indexEntry
	filter *bloom.BloomFilter
	props  properties
	offset uint64
	last   *record.Entry
	done   bool
}

// NewWriter creates the run file for id inside dir. The file is created
// exclusively: colliding with an existing run id is a bug, not a case to
// paper over.
func NewWriter(dir string, id uuid.UUID, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4 * 1024
	}
	if opts.BloomFPRate <= 0 {
		opts.BloomFPRate = 0.01
	}
	if opts.ExpectedEntries <= 0 {
		opts.ExpectedEntries = 1 << 16
	}

	path := PathFor(dir, id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("sstable: failed to create run file: %w", err)
	}

	return &Writer{
		id:     id,
		path:   path,
		file:   file,
		w:      bufio.NewWriterSize(file, 64*1024),
		opts:   opts,
		filter: bloom.NewWithEstimates(uint(opts.ExpectedEntries), opts.BloomFPRate),
	}, nil
}

// Add appends one entry. Returns ErrUnsortedKeys when the entry does not
// sort strictly after the previous one.
func (w *Writer) Add(e *record.Entry) error {
	if w.done {
		return ErrClosed
	}
	if w.last != nil && record.InternalCompare(w.last, e) >= 0 {
		return fmt.Errorf("%w: %q/%d after %q/%d",
			ErrUnsortedKeys, e.Key, e.Seq, w.last.Key, w.last.Seq)
	}

	if w.props.entries == 0 {
		w.props.minKey = append([]byte(nil), e.Key...)
		w.props.minSeq = e.Seq
		w.props.maxSeq = e.Seq
	}
	w.props.maxKey = append(w.props.maxKey[:0], e.Key...)
	if e.Seq < w.props.minSeq {
		w.props.minSeq = e.Seq
	}
	if e.Seq > w.props.maxSeq {
		w.props.maxSeq = e.Seq
	}
	w.props.entries++

	// Only filter on distinct user keys; versions share one filter slot.
	if w.last == nil || !bytes.Equal(w.last.Key, e.Key) {
		w.filter.Add(e.Key)
	}
	w.last = e.Clone()

	w.block.add(e)
	if w.block.sizeEstimate() >= w.opts.BlockSize {
		return w.finishBlock()
	}
	return nil
}

// EntryCount returns the number of entries added so far.
func (w *Writer) EntryCount() uint64 {
	return w.props.entries
}

// EstimatedSize returns the bytes written so far plus the pending block.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(w.block.sizeEstimate())
}

func (w *Writer) finishBlock() error {
	if w.block.empty() {
		return nil
	}
	stored := compressBlock(w.block.buf, w.opts.Compression)
	bodyLen := uint64(len(stored) - blockTrailerSize)

	w.index = append(w.index, indexEntry{
		firstKey: append([]byte(nil), w.block.firstKey...),
		lastKey:  append([]byte(nil), w.block.lastKey...),
		handle:   BlockHandle{Offset: w.offset, Size: bodyLen},
	})

	if _, err := w.w.Write(stored); err != nil {
		return err
	}
	w.offset += uint64(len(stored))
	w.block.reset()
	return nil
}

// writeMetaBlock writes a non-data block and returns its handle.
func (w *Writer) writeMetaBlock(body []byte) (BlockHandle, error) {
	stored := compressBlock(body, NoCompression)
	h := BlockHandle{Offset: w.offset, Size: uint64(len(stored) - blockTrailerSize)}
	if _, err := w.w.Write(stored); err != nil {
		return BlockHandle{}, err
	}
	w.offset += uint64(len(stored))
	return h, nil
}

// Finish completes the run, syncs it to disk and returns its descriptor.
// The level is left at zero; callers registering the run in the manifest
// assign it.
func (w *Writer) Finish() (Descriptor, error) {
	if w.done {
		return Descriptor{}, ErrClosed
	}
	w.done = true

	if err := w.finishBlock(); err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}

	var filterBuf bytes.Buffer
	if _, err := w.filter.WriteTo(&filterBuf); err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}
	filterHandle, err := w.writeMetaBlock(filterBuf.Bytes())
	if err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}

	indexHandle, err := w.writeMetaBlock(encodeIndex(w.index))
	if err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}

	propsHandle, err := w.writeMetaBlock(encodeProperties(w.props))
	if err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}

	if _, err := w.w.Write(encodeFooter(indexHandle, filterHandle, propsHandle)); err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}
	w.offset += footerSize

	if err := w.w.Flush(); err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}
	if err := w.file.Sync(); err != nil {
		w.abortLocked()
		return Descriptor{}, err
	}
	if err := w.file.Close(); err != nil {
		return Descriptor{}, err
	}
	// The directory entry must be durable before the manifest can
	// reference the run.
	if err := fileutil.SyncDir(filepath.Dir(w.path)); err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		ID:      w.id,
		Path:    w.path,
		MinKey:  w.props.minKey,
		MaxKey:  w.props.maxKey,
		MinSeq:  w.props.minSeq,
		MaxSeq:  w.props.maxSeq,
		Entries: w.props.entries,
		Size:    int64(w.offset),
	}, nil
}

// Abort discards the partially written run. Used when a flush or
// compaction fails mid-write; the file was never registered, so removing
// it leaves no trace.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.abortLocked()
	return nil
}

func (w *Writer) abortLocked() {
	w.file.Close()
	os.Remove(w.path)
}
