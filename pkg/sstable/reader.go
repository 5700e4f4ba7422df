package sstable

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/willf/bloom"

	"github.com/calderdb/calder/pkg/record"
)

// source is the random-access backing of an open run.
type source interface {
	io.ReaderAt
	io.Closer
}

// Reader serves point lookups and range scans from one immutable run.
// It is safe for concurrent use.
type Reader struct {
	desc    Descriptor
	src     source
	size    int64
	index   []indexEntry
	filter  *bloom.BloomFilter
	props   properties
	corrupt atomic.Bool
	closed  atomic.Bool
}

// Open opens the run described by desc using regular file reads.
func Open(desc Descriptor) (*Reader, error) {
	file, err := os.Open(desc.Path)
	if err != nil {
		return nil, fmt.Errorf("sstable: failed to open run: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	r, err := newReader(desc, file, info.Size())
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func newReader(desc Descriptor, src source, size int64) (*Reader, error) {
	r := &Reader{desc: desc, src: src, size: size}

	if size < footerSize {
		return nil, fmt.Errorf("%w: file too small", ErrCorruption)
	}
	footer := make([]byte, footerSize)
	if _, err := src.ReadAt(footer, size-footerSize); err != nil {
		return nil, fmt.Errorf("sstable: failed to read footer: %w", err)
	}
	indexHandle, filterHandle, propsHandle, err := decodeFooter(footer)
	if err != nil {
		return nil, err
	}

	indexBody, err := r.readBlock(indexHandle)
	if err != nil {
		return nil, err
	}
	if r.index, err = decodeIndex(indexBody); err != nil {
		return nil, err
	}

	filterBody, err := r.readBlock(filterHandle)
	if err != nil {
		return nil, err
	}
	r.filter = &bloom.BloomFilter{}
	if _, err := r.filter.ReadFrom(bytes.NewReader(filterBody)); err != nil {
		return nil, fmt.Errorf("%w: bloom filter: %v", ErrCorruption, err)
	}

	propsBody, err := r.readBlock(propsHandle)
	if err != nil {
		return nil, err
	}
	if r.props, err = decodeProperties(propsBody); err != nil {
		return nil, err
	}
	return r, nil
}

// Descriptor returns the run's descriptor.
func (r *Reader) Descriptor() Descriptor {
	return r.desc
}

// EntryCount returns the number of internal entries in the run.
func (r *Reader) EntryCount() uint64 {
	return r.props.entries
}

// Corrupt reports whether a checksum or structural error was detected
// after open. A corrupt run stays excluded from reads until compacted
// away or repaired out of band.
func (r *Reader) Corrupt() bool {
	return r.corrupt.Load()
}

// MayContain is a fast rejection test: false means the key is definitely
// absent from this run.
func (r *Reader) MayContain(key []byte) bool {
	if bytes.Compare(key, r.props.minKey) < 0 || bytes.Compare(key, r.props.maxKey) > 0 {
		return false
	}
	return r.filter.Test(key)
}

// readBlock reads and validates the block at h.
func (r *Reader) readBlock(h BlockHandle) ([]byte, error) {
	if h.Offset+h.Size+blockTrailerSize > uint64(r.size) {
		r.corrupt.Store(true)
		return nil, fmt.Errorf("%w: block handle out of range", ErrCorruption)
	}
	stored := make([]byte, h.Size+blockTrailerSize)
	if _, err := r.src.ReadAt(stored, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("sstable: block read failed: %w", err)
	}
	body, err := decodeBlock(stored)
	if err != nil {
		r.corrupt.Store(true)
		return nil, err
	}
	return body, nil
}

// seekBlock returns the position of the first data block whose last key
// is >= key, or len(index) when every block ends before key.
func (r *Reader) seekBlock(key []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].lastKey, key) >= 0
	})
}

// Get returns the newest version of key visible at seq, tombstones
// included. The boolean is false when the run holds no visible version.
func (r *Reader) Get(key []byte, seq uint64) (*record.Entry, bool, error) {
	if r.closed.Load() {
		return nil, false, ErrClosed
	}
	if r.corrupt.Load() {
		return nil, false, fmt.Errorf("%w: run marked unreadable", ErrCorruption)
	}
	if !r.MayContain(key) {
		return nil, false, nil
	}

	// Versions of one key may straddle a block boundary, so walk blocks
	// until the key range passes the target.
	for bi := r.seekBlock(key); bi < len(r.index); bi++ {
		if bytes.Compare(r.index[bi].firstKey, key) > 0 {
			return nil, false, nil
		}
		body, err := r.readBlock(r.index[bi].handle)
		if err != nil {
			return nil, false, err
		}
		it := blockIter{body: body}
		for {
			e, err := it.next()
			if err != nil {
				r.corrupt.Store(true)
				return nil, false, err
			}
			if e == nil {
				break
			}
			c := bytes.Compare(e.Key, key)
			if c > 0 {
				return nil, false, nil
			}
			if c == 0 && e.Seq <= seq {
				return e.Clone(), true, nil
			}
		}
	}
	return nil, false, nil
}

// NewIterator returns a fresh iterator over internal entries with user
// keys in [lo, hi), every version included. A nil bound is unbounded.
func (r *Reader) NewIterator(lo, hi []byte) *Iterator {
	it := &Iterator{r: r, hi: hi}
	if r.closed.Load() {
		it.err = ErrClosed
		return it
	}
	if r.corrupt.Load() {
		it.err = fmt.Errorf("%w: run marked unreadable", ErrCorruption)
		return it
	}
	if lo != nil {
		it.blockIdx = r.seekBlock(lo)
		it.skipTo = lo
	}
	return it
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.src.Close()
}

// Iterator is a lazy cursor over one run. Entries are cloned out of the
// block buffer, so they remain valid after the iterator advances.
type Iterator struct {
	r        *Reader
	hi       []byte
	skipTo   []byte
	blockIdx int
	block    *blockIter
	entry    *record.Entry
	err      error
}

// Next advances to the next entry, returning false at the end of the
// range or on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.block == nil {
			if it.blockIdx >= len(it.r.index) {
				return false
			}
			body, err := it.r.readBlock(it.r.index[it.blockIdx].handle)
			if err != nil {
				it.err = err
				return false
			}
			it.block = &blockIter{body: body}
		}

		e, err := it.block.next()
		if err != nil {
			it.r.corrupt.Store(true)
			it.err = err
			return false
		}
		if e == nil {
			it.block = nil
			it.blockIdx++
			continue
		}
		if it.skipTo != nil {
			if bytes.Compare(e.Key, it.skipTo) < 0 {
				continue
			}
			it.skipTo = nil
		}
		if it.hi != nil && bytes.Compare(e.Key, it.hi) >= 0 {
			it.blockIdx = len(it.r.index)
			it.block = nil
			return false
		}
		it.entry = e.Clone()
		return true
	}
}

// Entry returns the current entry. Valid only after Next reports true.
func (it *Iterator) Entry() *record.Entry {
	return it.entry
}

// Err returns the terminal error, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the iterator. The underlying reader stays open.
func (it *Iterator) Close() error {
	it.block = nil
	it.entry = nil
	return nil
}
