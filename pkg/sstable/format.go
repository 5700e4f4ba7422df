// Package sstable implements the immutable on-disk sorted run format and
// its reader/writer. A run holds internally-ordered entries (user key
// ascending, sequence descending) in checksummed, optionally
// snappy-compressed blocks, with a sparse index, a bloom filter over user
// keys and min/max statistics for fast rejection.
package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

// Run file format:
//   [Data Block]*                 entries, block-sized chunks
//   [Filter Block]                bloom filter over user keys
//   [Index Block]                 (firstKey, lastKey, handle) per data block
//   [Properties Block]            min/max key, sequence range, entry count
//   [Footer]                      fixed size, handles + version + magic
//
// Every block is followed by a 5-byte trailer: compression(1) | crc32(4).
// The CRC covers the block body as stored (after compression).
const (
	runMagic   = 0x43414C4452554E31 // "CALDRUN1"
	runVersion = 1

	blockTrailerSize = 5
	footerSize       = 60 // 3 handles + version(4) + magic(8)

	// FileSuffix is the extension of sorted-run files.
	FileSuffix = ".run"
)

// Compression selects the block body codec.
type Compression uint8

const (
	// NoCompression stores block bodies verbatim.
	NoCompression Compression = iota
	// SnappyCompression compresses block bodies with snappy.
	SnappyCompression
)

var (
	// ErrCorruption marks a run whose checksums or structure failed
	// validation. The run is unreadable but the process keeps going.
	ErrCorruption = errors.New("sstable: corrupt run")
	// ErrUnsortedKeys is returned by the writer when entries are not
	// strictly increasing in internal key order.
	ErrUnsortedKeys = errors.New("sstable: keys not strictly increasing")
	// ErrClosed is returned when reading from a closed run.
	ErrClosed = errors.New("sstable: run is closed")
)

// BlockHandle locates a block body within the file. The trailer follows
// immediately at Offset+Size.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// Descriptor identifies a sorted run and carries the statistics the
// manifest and read path need without opening the file.
type Descriptor struct {
	ID      uuid.UUID
	Level   int
	Path    string
	MinKey  []byte
	MaxKey  []byte
	MinSeq  uint64
	MaxSeq  uint64
	Entries uint64
	Size    int64
}

// NewID returns a fresh time-sortable run identifier. UUIDv7 embeds a
// millisecond timestamp in its most significant bits, so lexicographic
// order over run IDs is creation order even across restarts.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; nothing
		// sensible can continue without randomness.
		panic(fmt.Sprintf("sstable: uuid generation failed: %v", err))
	}
	return id
}

// PathFor returns the file path of the run with the given id inside dir.
func PathFor(dir string, id uuid.UUID) string {
	return filepath.Join(dir, id.String()+FileSuffix)
}

func encodeFooter(index, filter, props BlockHandle) []byte {
	buf := make([]byte, footerSize)
	off := 0
	for _, h := range []BlockHandle{index, filter, props} {
		binary.LittleEndian.PutUint64(buf[off:], h.Offset)
		binary.LittleEndian.PutUint64(buf[off+8:], h.Size)
		off += 16
	}
	binary.LittleEndian.PutUint32(buf[off:], runVersion)
	binary.LittleEndian.PutUint64(buf[off+4:], runMagic)
	return buf
}

func decodeFooter(buf []byte) (index, filter, props BlockHandle, err error) {
	if len(buf) != footerSize {
		return index, filter, props, fmt.Errorf("%w: short footer", ErrCorruption)
	}
	if binary.LittleEndian.Uint64(buf[52:]) != runMagic {
		return index, filter, props, fmt.Errorf("%w: bad magic", ErrCorruption)
	}
	if v := binary.LittleEndian.Uint32(buf[48:]); v != runVersion {
		return index, filter, props, fmt.Errorf("%w: unsupported version %d", ErrCorruption, v)
	}
	handles := make([]BlockHandle, 3)
	off := 0
	for i := range handles {
		handles[i].Offset = binary.LittleEndian.Uint64(buf[off:])
		handles[i].Size = binary.LittleEndian.Uint64(buf[off+8:])
		off += 16
	}
	return handles[0], handles[1], handles[2], nil
}
