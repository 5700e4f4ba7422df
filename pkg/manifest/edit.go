package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/calderdb/calder/pkg/sstable"
)

// Edit is one atomic transition of the run set: add N runs, remove M runs,
// optionally advance the flushed-sequence watermark.
type Edit struct {
	Added      []AddedRun
	Removed    []RemovedRun
	FlushedSeq uint64 // 0 means unchanged
}

// AddedRun places a new run at a level.
type AddedRun struct {
	Level int
	Desc  sstable.Descriptor
}

// RemovedRun retires a run from a level.
type RemovedRun struct {
	Level int
	ID    uuid.UUID
}

// AddRun appends an addition to the edit.
func (e *Edit) AddRun(level int, desc sstable.Descriptor) {
	e.Added = append(e.Added, AddedRun{Level: level, Desc: desc})
}

// RemoveRun appends a removal to the edit.
func (e *Edit) RemoveRun(level int, id uuid.UUID) {
	e.Removed = append(e.Removed, RemovedRun{Level: level, ID: id})
}

// Empty reports whether the edit changes nothing.
func (e *Edit) Empty() bool {
	return len(e.Added) == 0 && len(e.Removed) == 0 && e.FlushedSeq == 0
}

// Manifest log records are JSON payloads framed like WAL records. A record
// is either a full snapshot of the state (first record of every manifest
// file) or a delta.
type runRecord struct {
	ID      string `json:"id"`
	Level   int    `json:"level"`
	MinKey  []byte `json:"min_key"`
	MaxKey  []byte `json:"max_key"`
	MinSeq  uint64 `json:"min_seq"`
	MaxSeq  uint64 `json:"max_seq"`
	Entries uint64 `json:"entries"`
	Size    int64  `json:"size"`
}

type removedRecord struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

type logRecord struct {
	Snapshot   bool            `json:"snapshot,omitempty"`
	Runs       []runRecord     `json:"runs,omitempty"`
	Added      []runRecord     `json:"added,omitempty"`
	Removed    []removedRecord `json:"removed,omitempty"`
	FlushedSeq uint64          `json:"flushed_seq,omitempty"`
}

func toRunRecord(level int, d sstable.Descriptor) runRecord {
	return runRecord{
		ID:      d.ID.String(),
		Level:   level,
		MinKey:  d.MinKey,
		MaxKey:  d.MaxKey,
		MinSeq:  d.MinSeq,
		MaxSeq:  d.MaxSeq,
		Entries: d.Entries,
		Size:    d.Size,
	}
}

func (r runRecord) descriptor(dir string) (sstable.Descriptor, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return sstable.Descriptor{}, fmt.Errorf("manifest: bad run id %q: %w", r.ID, err)
	}
	return sstable.Descriptor{
		ID:      id,
		Level:   r.Level,
		Path:    sstable.PathFor(dir, id),
		MinKey:  r.MinKey,
		MaxKey:  r.MaxKey,
		MinSeq:  r.MinSeq,
		MaxSeq:  r.MaxSeq,
		Entries: r.Entries,
		Size:    r.Size,
	}, nil
}

func editToRecord(e *Edit) logRecord {
	rec := logRecord{FlushedSeq: e.FlushedSeq}
	for _, a := range e.Added {
		rec.Added = append(rec.Added, toRunRecord(a.Level, a.Desc))
	}
	for _, r := range e.Removed {
		rec.Removed = append(rec.Removed, removedRecord{ID: r.ID.String(), Level: r.Level})
	}
	return rec
}

func marshalRecord(rec logRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to marshal record: %w", err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (logRecord, error) {
	var rec logRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("manifest: failed to unmarshal record: %w", err)
	}
	return rec, nil
}
