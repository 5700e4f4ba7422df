package sstable

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/calderdb/calder/pkg/record"
)

func buildRun(t *testing.T, dir string, opts WriterOptions, entries []*record.Entry) Descriptor {
	t.Helper()
	w, err := NewWriter(dir, NewID(), opts)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	desc, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return desc
}

func testEntries(n int) []*record.Entry {
	entries := make([]*record.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &record.Entry{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d", i)),
			Seq:   uint64(i + 1),
			Kind:  record.KindPut,
		})
	}
	return entries
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := testEntries(500)
	desc := buildRun(t, dir, DefaultWriterOptions(), entries)

	if desc.Entries != 500 {
		t.Errorf("Expected 500 entries in descriptor, got %d", desc.Entries)
	}
	if !bytes.Equal(desc.MinKey, entries[0].Key) || !bytes.Equal(desc.MaxKey, entries[499].Key) {
		t.Errorf("Descriptor key range mismatch: %s..%s", desc.MinKey, desc.MaxKey)
	}

	r, err := Open(desc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	for _, want := range entries {
		e, ok, err := r.Get(want.Key, record.MaxSeq)
		if err != nil {
			t.Fatalf("Get %s failed: %v", want.Key, err)
		}
		if !ok {
			t.Fatalf("Key %s not found", want.Key)
		}
		if !bytes.Equal(e.Value, want.Value) || e.Seq != want.Seq {
			t.Errorf("Key %s: got %s/%d, want %s/%d", want.Key, e.Value, e.Seq, want.Value, want.Seq)
		}
	}
}

func TestGetRespectsSeqWatermark(t *testing.T) {
	dir := t.TempDir()
	entries := []*record.Entry{
		{Key: []byte("k"), Value: []byte("new"), Seq: 10, Kind: record.KindPut},
		{Key: []byte("k"), Value: []byte("old"), Seq: 3, Kind: record.KindPut},
	}
	desc := buildRun(t, dir, DefaultWriterOptions(), entries)

	r, err := Open(desc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	e, ok, err := r.Get([]byte("k"), 20)
	if err != nil || !ok || string(e.Value) != "new" {
		t.Errorf("At seq 20: got %v/%v/%v, want new", e, ok, err)
	}
	e, ok, err = r.Get([]byte("k"), 5)
	if err != nil || !ok || string(e.Value) != "old" {
		t.Errorf("At seq 5: got %v/%v/%v, want old", e, ok, err)
	}
	_, ok, err = r.Get([]byte("k"), 2)
	if err != nil || ok {
		t.Errorf("At seq 2: expected miss, got found=%v err=%v", ok, err)
	}
}

func TestUnsortedKeysRejected(t *testing.T) {
	w, err := NewWriter(t.TempDir(), NewID(), DefaultWriterOptions())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Abort()

	if err := w.Add(&record.Entry{Key: []byte("b"), Seq: 1, Kind: record.KindPut}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Add(&record.Entry{Key: []byte("a"), Seq: 2, Kind: record.KindPut}); err != ErrUnsortedKeys {
		t.Errorf("Expected ErrUnsortedKeys for key regression, got %v", err)
	}

	// Same key with ascending seq is also out of internal order.
	w2, err := NewWriter(t.TempDir(), NewID(), DefaultWriterOptions())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w2.Abort()
	if err := w2.Add(&record.Entry{Key: []byte("k"), Seq: 1, Kind: record.KindPut}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w2.Add(&record.Entry{Key: []byte("k"), Seq: 2, Kind: record.KindPut}); err != ErrUnsortedKeys {
		t.Errorf("Expected ErrUnsortedKeys for seq regression, got %v", err)
	}
}

func TestBloomFilterRejectsAbsentKeys(t *testing.T) {
	dir := t.TempDir()
	desc := buildRun(t, dir, DefaultWriterOptions(), testEntries(1000))

	r, err := Open(desc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	rejected := 0
	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("absent-%05d", i))
		if !r.MayContain(key) {
			rejected++
		}
	}
	// 1% target false positive rate; anything under 10% means the
	// filter is wired up.
	if rejected < 900 {
		t.Errorf("Bloom filter rejected only %d/1000 absent keys", rejected)
	}

	// Keys outside the descriptor range are rejected without the filter.
	if r.MayContain([]byte("zzzz")) {
		t.Error("Key above MaxKey should be rejected")
	}
}

func TestIteratorRange(t *testing.T) {
	dir := t.TempDir()
	entries := testEntries(100)
	desc := buildRun(t, dir, DefaultWriterOptions(), entries)

	r, err := Open(desc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	it := r.NewIterator([]byte("key-00010"), []byte("key-00020"))
	defer it.Close()

	count := 0
	for it.Next() {
		want := fmt.Sprintf("key-%05d", 10+count)
		if string(it.Entry().Key) != want {
			t.Errorf("Position %d: expected %s, got %s", count, want, it.Entry().Key)
		}
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	if count != 10 {
		t.Errorf("Expected 10 entries in range, got %d", count)
	}
}

func TestIteratorFullScanSmallBlocks(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultWriterOptions()
	opts.BlockSize = 128 // force many blocks
	entries := testEntries(300)
	desc := buildRun(t, dir, opts, entries)

	r, err := Open(desc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	it := r.NewIterator(nil, nil)
	defer it.Close()

	i := 0
	for it.Next() {
		if !bytes.Equal(it.Entry().Key, entries[i].Key) {
			t.Fatalf("Position %d: expected %s, got %s", i, entries[i].Key, it.Entry().Key)
		}
		i++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	if i != 300 {
		t.Errorf("Expected 300 entries, got %d", i)
	}
}

func TestCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	desc := buildRun(t, dir, WriterOptions{BlockSize: 4096, Compression: NoCompression}, testEntries(200))

	// Flip a byte inside the first data block.
	data, err := os.ReadFile(desc.Path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	data[20] ^= 0xFF
	if err := os.WriteFile(desc.Path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := Open(desc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	_, _, err = r.Get([]byte("key-00000"), record.MaxSeq)
	if err == nil {
		t.Fatal("Expected corruption error")
	}
	if !r.Corrupt() {
		t.Error("Reader should be marked corrupt after a failed block read")
	}
}

func TestTruncatedFileRejected(t *testing.T) {
	dir := t.TempDir()
	desc := buildRun(t, dir, DefaultWriterOptions(), testEntries(50))

	if err := os.Truncate(desc.Path, desc.Size/2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if _, err := Open(desc); err == nil {
		t.Fatal("Expected error opening truncated run")
	}
}

func TestMmapReaderParity(t *testing.T) {
	dir := t.TempDir()
	entries := testEntries(200)
	desc := buildRun(t, dir, DefaultWriterOptions(), entries)

	r, err := OpenMmap(desc)
	if err != nil {
		t.Fatalf("OpenMmap failed: %v", err)
	}
	defer r.Close()

	for _, want := range entries {
		e, ok, err := r.Get(want.Key, record.MaxSeq)
		if err != nil || !ok {
			t.Fatalf("Get %s: found=%v err=%v", want.Key, ok, err)
		}
		if !bytes.Equal(e.Value, want.Value) {
			t.Errorf("Key %s: value mismatch", want.Key)
		}
	}
}

func TestAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, NewID(), DefaultWriterOptions())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Add(&record.Entry{Key: []byte("a"), Seq: 1, Kind: record.KindPut}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("Expected empty dir after abort, found %d files", len(files))
	}
}

func TestTombstonesSurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := []*record.Entry{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: record.KindPut},
		{Key: []byte("b"), Seq: 2, Kind: record.KindDelete},
	}
	desc := buildRun(t, dir, DefaultWriterOptions(), entries)

	r, err := Open(desc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	e, ok, err := r.Get([]byte("b"), record.MaxSeq)
	if err != nil || !ok {
		t.Fatalf("Tombstone lookup: found=%v err=%v", ok, err)
	}
	if !e.Tombstone() {
		t.Error("Expected a tombstone entry")
	}
}
