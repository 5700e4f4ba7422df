package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"

	"github.com/calderdb/calder/pkg/record"
)

// Data block body layout, one entry after another:
//   [key_len uvarint][key][seq(8)][kind(1)][value_len uvarint][value]

// blockBuilder accumulates entries for one data block.
type blockBuilder struct {
	buf      []byte
	count    int
	firstKey []byte
	lastKey  []byte
}

func (b *blockBuilder) add(e *record.Entry) {
	if b.count == 0 {
		b.firstKey = append(b.firstKey[:0], e.Key...)
	}
	b.lastKey = append(b.lastKey[:0], e.Key...)

	b.buf = binary.AppendUvarint(b.buf, uint64(len(e.Key)))
	b.buf = append(b.buf, e.Key...)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, e.Seq)
	b.buf = append(b.buf, byte(e.Kind))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(e.Value)))
	b.buf = append(b.buf, e.Value...)
	b.count++
}

func (b *blockBuilder) sizeEstimate() int {
	return len(b.buf)
}

func (b *blockBuilder) empty() bool {
	return b.count == 0
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.count = 0
}

// compressBlock returns the on-disk representation of a block body:
// the (possibly compressed) body followed by the 5-byte trailer.
func compressBlock(body []byte, compression Compression) []byte {
	stored := body
	kind := NoCompression
	if compression == SnappyCompression {
		compressed := snappy.Encode(nil, body)
		// Keep the raw body when compression doesn't pay for itself.
		if len(compressed) < len(body) {
			stored = compressed
			kind = SnappyCompression
		}
	}

	out := make([]byte, 0, len(stored)+blockTrailerSize)
	out = append(out, stored...)
	out = append(out, byte(kind))
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(stored))
	return out
}

// decodeBlock validates a stored block (body + trailer) and returns the
// decompressed body.
func decodeBlock(stored []byte) ([]byte, error) {
	if len(stored) < blockTrailerSize {
		return nil, fmt.Errorf("%w: truncated block", ErrCorruption)
	}
	body := stored[:len(stored)-blockTrailerSize]
	trailer := stored[len(stored)-blockTrailerSize:]

	wantCRC := binary.LittleEndian.Uint32(trailer[1:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("%w: block checksum mismatch", ErrCorruption)
	}

	switch Compression(trailer[0]) {
	case NoCompression:
		return body, nil
	case SnappyCompression:
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy decode: %v", ErrCorruption, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unknown block compression %d", ErrCorruption, trailer[0])
	}
}

// blockIter decodes entries from a block body sequentially.
type blockIter struct {
	body []byte
	off  int
}

// next returns the next entry or (nil, nil) at the end of the block.
func (it *blockIter) next() (*record.Entry, error) {
	if it.off >= len(it.body) {
		return nil, nil
	}

	keyLen, n := binary.Uvarint(it.body[it.off:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad key length", ErrCorruption)
	}
	it.off += n
	if it.off+int(keyLen)+9 > len(it.body) {
		return nil, fmt.Errorf("%w: truncated entry", ErrCorruption)
	}
	key := it.body[it.off : it.off+int(keyLen)]
	it.off += int(keyLen)

	seq := binary.LittleEndian.Uint64(it.body[it.off:])
	it.off += 8
	kind := record.Kind(it.body[it.off])
	it.off++
	if kind != record.KindPut && kind != record.KindDelete {
		return nil, fmt.Errorf("%w: bad entry kind %d", ErrCorruption, kind)
	}

	valLen, n := binary.Uvarint(it.body[it.off:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad value length", ErrCorruption)
	}
	it.off += n
	if it.off+int(valLen) > len(it.body) {
		return nil, fmt.Errorf("%w: truncated value", ErrCorruption)
	}
	value := it.body[it.off : it.off+int(valLen)]
	it.off += int(valLen)

	// Slices alias the block buffer; callers that retain entries past the
	// block's lifetime clone them.
	return &record.Entry{Key: key, Value: value, Seq: seq, Kind: kind}, nil
}

// indexEntry is one sparse-index record: the key range and location of a
// data block.
type indexEntry struct {
	firstKey []byte
	lastKey  []byte
	handle   BlockHandle
}

func encodeIndex(entries []indexEntry) []byte {
	var buf []byte
	for _, ie := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(ie.firstKey)))
		buf = append(buf, ie.firstKey...)
		buf = binary.AppendUvarint(buf, uint64(len(ie.lastKey)))
		buf = append(buf, ie.lastKey...)
		buf = binary.AppendUvarint(buf, ie.handle.Offset)
		buf = binary.AppendUvarint(buf, ie.handle.Size)
	}
	return buf
}

func decodeIndex(body []byte) ([]indexEntry, error) {
	var entries []indexEntry
	off := 0
	readBytes := func() ([]byte, bool) {
		l, n := binary.Uvarint(body[off:])
		if n <= 0 || off+n+int(l) > len(body) {
			return nil, false
		}
		off += n
		b := append([]byte(nil), body[off:off+int(l)]...)
		off += int(l)
		return b, true
	}
	readUvarint := func() (uint64, bool) {
		v, n := binary.Uvarint(body[off:])
		if n <= 0 {
			return 0, false
		}
		off += n
		return v, true
	}

	for off < len(body) {
		var ie indexEntry
		var ok bool
		if ie.firstKey, ok = readBytes(); !ok {
			return nil, fmt.Errorf("%w: bad index entry", ErrCorruption)
		}
		if ie.lastKey, ok = readBytes(); !ok {
			return nil, fmt.Errorf("%w: bad index entry", ErrCorruption)
		}
		if ie.handle.Offset, ok = readUvarint(); !ok {
			return nil, fmt.Errorf("%w: bad index entry", ErrCorruption)
		}
		if ie.handle.Size, ok = readUvarint(); !ok {
			return nil, fmt.Errorf("%w: bad index entry", ErrCorruption)
		}
		entries = append(entries, ie)
	}
	return entries, nil
}

// Properties block: min/max user key, sequence range and entry count.
type properties struct {
	minKey  []byte
	maxKey  []byte
	minSeq  uint64
	maxSeq  uint64
	entries uint64
}

func encodeProperties(p properties) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(p.minKey)))
	buf = append(buf, p.minKey...)
	buf = binary.AppendUvarint(buf, uint64(len(p.maxKey)))
	buf = append(buf, p.maxKey...)
	buf = binary.LittleEndian.AppendUint64(buf, p.minSeq)
	buf = binary.LittleEndian.AppendUint64(buf, p.maxSeq)
	buf = binary.LittleEndian.AppendUint64(buf, p.entries)
	return buf
}

func decodeProperties(body []byte) (properties, error) {
	var p properties
	off := 0

	for i := 0; i < 2; i++ {
		l, n := binary.Uvarint(body[off:])
		if n <= 0 || off+n+int(l) > len(body) {
			return p, fmt.Errorf("%w: bad properties block", ErrCorruption)
		}
		off += n
		b := append([]byte(nil), body[off:off+int(l)]...)
		off += int(l)
		if i == 0 {
			p.minKey = b
		} else {
			p.maxKey = b
		}
	}
	if off+24 != len(body) {
		return p, fmt.Errorf("%w: bad properties block", ErrCorruption)
	}
	p.minSeq = binary.LittleEndian.Uint64(body[off:])
	p.maxSeq = binary.LittleEndian.Uint64(body[off+8:])
	p.entries = binary.LittleEndian.Uint64(body[off+16:])
	return p, nil
}
