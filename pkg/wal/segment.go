package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/calderdb/calder/pkg/logging"
	"github.com/calderdb/calder/pkg/pools"
	"github.com/calderdb/calder/pkg/record"
)

// Segment file layout:
//   [Header: magic(4) | version(4) | flags(4)]
//   [Record: payload_len(4) | crc32(4) | payload]*
//
// The payload is [seq(8) | kind(1) | key_len(4) | key | value_len(4) | value]
// and is snappy-compressed when the segment's compression flag is set.
// The CRC covers the payload as stored.
const (
	segmentMagic   = 0x4357414C // "CWAL"
	segmentVersion = 1

	flagSnappy = 1 << 0

	headerSize       = 12
	recordHeaderSize = 8
)

// errCorrupt marks a record that failed validation. Replay treats it as the
// end of valid log content.
var errCorrupt = errors.New("wal: corrupt record")

// segment is the active, appendable segment file.
type segment struct {
	num        uint64
	path       string
	file       *os.File
	writer     *bufio.Writer
	size       int64
	minSeq     uint64
	maxSeq     uint64
	compressed bool
}

func createSegment(dir string, num uint64, compression Compression) (*segment, error) {
	path := segmentPath(dir, num)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to create segment: %w", err)
	}

	s := &segment{
		num:        num,
		path:       path,
		file:       file,
		writer:     bufio.NewWriter(file),
		compressed: compression == SnappyCompression,
	}

	var flags uint32
	if s.compressed {
		flags |= flagSnappy
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], segmentVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], flags)
	if _, err := s.writer.Write(hdr[:]); err != nil {
		file.Close()
		return nil, err
	}
	s.size = headerSize
	return s, nil
}

// writeRecord frames and buffers one entry. Durability comes from the
// caller's flush/sync.
func (s *segment) writeRecord(e *record.Entry) error {
	payload := encodePayload(e)
	if s.compressed {
		compressed := snappy.Encode(nil, payload)
		pools.Default.Put(payload)
		payload = compressed
	}

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := s.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(payload); err != nil {
		return err
	}
	s.size += int64(recordHeaderSize + len(payload))
	if !s.compressed {
		pools.Default.Put(payload)
	}
	return nil
}

func (s *segment) noteSeqRange(first, last uint64) {
	if s.minSeq == 0 {
		s.minSeq = first
	}
	s.maxSeq = last
}

func (s *segment) flush() error {
	return s.writer.Flush()
}

func (s *segment) sync() error {
	return s.file.Sync()
}

// seal flushes and syncs the segment ahead of rotation.
func (s *segment) seal() error {
	if err := s.flush(); err != nil {
		return err
	}
	return s.sync()
}

func (s *segment) close() error {
	if err := s.flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}

func encodePayload(e *record.Entry) []byte {
	n := 8 + 1 + 4 + len(e.Key) + 4 + len(e.Value)
	buf := pools.Default.Get(n)
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, byte(e.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	return buf
}

func decodePayload(payload []byte) (*record.Entry, error) {
	if len(payload) < 8+1+4 {
		return nil, errCorrupt
	}
	e := &record.Entry{}
	e.Seq = binary.LittleEndian.Uint64(payload[0:8])
	e.Kind = record.Kind(payload[8])
	if e.Kind < record.KindPut || e.Kind > record.KindCommit {
		return nil, errCorrupt
	}
	off := 9

	keyLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if keyLen < 0 || off+keyLen+4 > len(payload) {
		return nil, errCorrupt
	}
	if keyLen > 0 {
		e.Key = append([]byte(nil), payload[off:off+keyLen]...)
	}
	off += keyLen

	valLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if valLen < 0 || off+valLen != len(payload) {
		return nil, errCorrupt
	}
	if valLen > 0 {
		e.Value = append([]byte(nil), payload[off:off+valLen]...)
	}
	return e, nil
}

// segmentReader iterates the records of one segment file, validating frames
// and checksums as it goes.
type segmentReader struct {
	file       *os.File
	reader     *bufio.Reader
	compressed bool
}

func openSegmentReader(path string) (*segmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(file, hdr[:]); err != nil {
		file.Close()
		return nil, errCorrupt
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != segmentMagic {
		file.Close()
		return nil, errCorrupt
	}
	if binary.LittleEndian.Uint32(hdr[4:8]) != segmentVersion {
		file.Close()
		return nil, errCorrupt
	}
	flags := binary.LittleEndian.Uint32(hdr[8:12])

	return &segmentReader{
		file:       file,
		reader:     bufio.NewReader(file),
		compressed: flags&flagSnappy != 0,
	}, nil
}

// next returns the next record, io.EOF at a clean end, or errCorrupt when
// the remaining bytes cannot be trusted.
func (r *segmentReader) next() (*record.Entry, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r.reader, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errCorrupt
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	if payloadLen == 0 || payloadLen > 64*1024*1024 {
		return nil, errCorrupt
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, errCorrupt
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, errCorrupt
	}

	if r.compressed {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, errCorrupt
		}
		payload = decoded
	}
	return decodePayload(payload)
}

func (r *segmentReader) close() error {
	return r.file.Close()
}

// scanSegment recovers the committed sequence bounds of a segment without
// delivering its contents. Uncommitted tail records don't count: their
// sequence numbers were never acknowledged and may be reused.
func scanSegment(path string, num uint64) (segmentInfo, error) {
	info := segmentInfo{num: num, path: path}

	r, err := openSegmentReader(path)
	if err != nil {
		if errors.Is(err, errCorrupt) {
			return info, nil
		}
		return info, err
	}
	defer r.close()

	var pendingFirst uint64
	var havePending bool
	for {
		e, err := r.next()
		if err != nil {
			return info, nil
		}
		switch e.Kind {
		case record.KindCommit:
			if havePending {
				if info.minSeq == 0 {
					info.minSeq = pendingFirst
				}
				info.maxSeq = e.Seq
				havePending = false
			}
		default:
			if !havePending {
				pendingFirst = e.Seq
				havePending = true
			}
		}
	}
}

// replaySegment delivers committed entries above minSeq. It returns false
// when it hit corruption, meaning no later segment may be replayed.
func replaySegment(path string, minSeq uint64, logger logging.Logger, fn func(*record.Entry) error) (bool, error) {
	r, err := openSegmentReader(path)
	if err != nil {
		if errors.Is(err, errCorrupt) {
			logger.Warn("wal segment header corrupt, replay stopped", logging.Path(path))
			return false, nil
		}
		return false, err
	}
	defer r.close()

	var pending []*record.Entry
	var delivered int
	for {
		e, err := r.next()
		if err == io.EOF {
			if len(pending) > 0 {
				logger.Warn("discarding uncommitted wal tail",
					logging.Path(path), logging.Count(len(pending)))
			}
			return true, nil
		}
		if err != nil {
			logger.Warn("wal corruption detected, replay stopped",
				logging.Path(path), logging.Count(delivered), logging.Error(err))
			return false, nil
		}

		if e.Kind == record.KindCommit {
			for _, p := range pending {
				if p.Seq <= minSeq {
					continue
				}
				if err := fn(p); err != nil {
					return false, err
				}
				delivered++
			}
			pending = pending[:0]
			continue
		}
		pending = append(pending, e)
	}
}
