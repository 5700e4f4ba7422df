package engine

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/calderdb/calder/pkg/logging"
)

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.AutoCompaction = false // tests drive flush/compaction explicitly
	opts.WALSync = false
	opts.Logger = logging.NewNopLogger()
	return opts
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func mustPut(t *testing.T, db *DB, key, value string) {
	t.Helper()
	if err := db.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Put %s failed: %v", key, err)
	}
}

func mustDelete(t *testing.T, db *DB, key string) {
	t.Helper()
	if err := db.Delete([]byte(key)); err != nil {
		t.Fatalf("Delete %s failed: %v", key, err)
	}
}

func expectValue(t *testing.T, db *DB, key, want string) {
	t.Helper()
	v, ok, err := db.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get %s failed: %v", key, err)
	}
	if !ok {
		t.Fatalf("Key %s not found, want %q", key, want)
	}
	if string(v) != want {
		t.Errorf("Key %s: got %q, want %q", key, v, want)
	}
}

func expectMissing(t *testing.T, db *DB, key string) {
	t.Helper()
	_, ok, err := db.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get %s failed: %v", key, err)
	}
	if ok {
		t.Errorf("Key %s should be absent", key)
	}
}

func scanAll(t *testing.T, db *DB) map[string]string {
	t.Helper()
	it, err := db.Scan(nil, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	defer it.Close()
	out := make(map[string]string)
	for it.Next() {
		out[string(it.Key())] = string(it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return out
}

func TestBasicOperations(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "key", "value")
	expectValue(t, db, "key", "value")

	mustPut(t, db, "key", "updated")
	expectValue(t, db, "key", "updated")

	mustDelete(t, db, "key")
	expectMissing(t, db, "key")

	// Deleting an absent key succeeds.
	mustDelete(t, db, "never-existed")
	expectMissing(t, db, "never-existed")
}

func TestDeleteThenScan(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	mustDelete(t, db, "a")

	got := scanAll(t, db)
	if len(got) != 1 || got["b"] != "2" {
		t.Errorf("Expected {b:2}, got %v", got)
	}

	// The same state must survive a flush...
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	got = scanAll(t, db)
	if len(got) != 1 || got["b"] != "2" {
		t.Errorf("After flush: expected {b:2}, got %v", got)
	}

	// ...a full compaction...
	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}
	got = scanAll(t, db)
	if len(got) != 1 || got["b"] != "2" {
		t.Errorf("After compaction: expected {b:2}, got %v", got)
	}
	expectMissing(t, db, "a")
	expectValue(t, db, "b", "2")
}

func TestBatchAtomicity(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	b := NewBatch()
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("2"))
	b.Delete([]byte("x"))
	if err := db.Write(b); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	expectMissing(t, db, "x")
	expectValue(t, db, "y", "2")

	// Empty batch is a no-op.
	if err := db.Write(NewBatch()); err != nil {
		t.Errorf("Empty batch should succeed, got %v", err)
	}
}

func TestGetAcrossFlushedRuns(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "old", "flushed")
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mustPut(t, db, "new", "in-memtable")
	mustPut(t, db, "old", "overwritten")

	expectValue(t, db, "old", "overwritten")
	expectValue(t, db, "new", "in-memtable")

	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	// Both L0 runs now hold a version of "old"; the newer run wins.
	expectValue(t, db, "old", "overwritten")

	stats := db.Stats()
	if stats.RunsPerLevel[0] != 2 {
		t.Errorf("Expected 2 L0 runs, got %v", stats.RunsPerLevel)
	}
}

func TestScanRange(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	for i := 0; i < 10; i++ {
		mustPut(t, db, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for i := 10; i < 20; i++ {
		mustPut(t, db, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	it, err := db.Scan([]byte("k12"), []byte("k16"))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := []string{"k12", "k13", "k14", "k15"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], keys[i])
		}
	}
}

func TestScanMergesAllSources(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	// One key per source: L1 run, L0 run, frozen path, active memtable.
	mustPut(t, db, "a", "from-l1")
	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}
	mustPut(t, db, "b", "from-l0")
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mustPut(t, db, "c", "from-memtable")

	got := scanAll(t, db)
	want := map[string]string{"a": "from-l1", "b": "from-l0", "c": "from-memtable"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Key %s: got %q, want %q", k, got[k], v)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "k", "v1")
	snap, err := db.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	defer snap.Release()

	mustPut(t, db, "k", "v2")
	mustPut(t, db, "k2", "new")
	mustDelete(t, db, "k")

	// Latest state.
	expectMissing(t, db, "k")
	expectValue(t, db, "k2", "new")

	// Snapshot still sees the world at acquisition.
	v, ok, err := snap.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v1" {
		t.Errorf("Snapshot Get k: got %q/%v/%v, want v1", v, ok, err)
	}
	if _, ok, _ := snap.Get([]byte("k2")); ok {
		t.Error("Snapshot should not see k2")
	}

	it, err := snap.Scan(nil, nil)
	if err != nil {
		t.Fatalf("Snapshot scan failed: %v", err)
	}
	count := 0
	for it.Next() {
		if string(it.Key()) != "k" || string(it.Value()) != "v1" {
			t.Errorf("Snapshot scan: unexpected %s=%s", it.Key(), it.Value())
		}
		count++
	}
	it.Close()
	if count != 1 {
		t.Errorf("Snapshot scan: expected 1 key, got %d", count)
	}
}

func TestSnapshotSurvivesFlushAndCompaction(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	for i := 0; i < 100; i++ {
		mustPut(t, db, fmt.Sprintf("key-%03d", i), "v1")
	}
	snap, err := db.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	defer snap.Release()

	for i := 0; i < 100; i++ {
		mustPut(t, db, fmt.Sprintf("key-%03d", i), "v2")
	}
	for i := 0; i < 50; i++ {
		mustDelete(t, db, fmt.Sprintf("key-%03d", i))
	}
	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}

	// The snapshot's view is unchanged by the reorganization.
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		v, ok, err := snap.Get([]byte(key))
		if err != nil {
			t.Fatalf("Snapshot Get %s failed: %v", key, err)
		}
		if !ok || string(v) != "v1" {
			t.Fatalf("Snapshot Get %s: got %q/%v, want v1", key, v, ok)
		}
	}

	// The latest state reflects the mutations.
	expectMissing(t, db, "key-000")
	expectValue(t, db, "key-099", "v2")
}

func TestReleasedSnapshotRejected(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "k", "v")
	snap, err := db.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	snap.Release()
	snap.Release() // idempotent

	if _, _, err := snap.Get([]byte("k")); err != ErrSnapshotReleased {
		t.Errorf("Expected ErrSnapshotReleased, got %v", err)
	}
	if _, err := snap.Scan(nil, nil); err != ErrSnapshotReleased {
		t.Errorf("Expected ErrSnapshotReleased, got %v", err)
	}
}

func TestRecoveryFromWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	mustPut(t, db, "durable", "yes")
	mustDelete(t, db, "gone")

	// Simulate a crash: drop the handles without flushing memtables.
	db.closed.Store(true)
	db.wal.Close()
	db.versions.Close()

	db, err = Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db.Close()

	expectValue(t, db, "durable", "yes")
	expectMissing(t, db, "gone")
}

func TestRecoveryAfterCleanClose(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 200; i++ {
		mustPut(t, db, fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%d", i))
	}
	mustDelete(t, db, "key-0100")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db.Close()

	expectValue(t, db, "key-0000", "value-0")
	expectValue(t, db, "key-0199", "value-199")
	expectMissing(t, db, "key-0100")

	got := scanAll(t, db)
	if len(got) != 199 {
		t.Errorf("Expected 199 keys after recovery, got %d", len(got))
	}
}

func TestSequencesResumeAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	seqBefore := db.Stats().LastSeq
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db.Close()

	if db.Stats().LastSeq < seqBefore {
		t.Errorf("LastSeq went backwards: %d < %d", db.Stats().LastSeq, seqBefore)
	}
	mustPut(t, db, "c", "3")
	if db.Stats().LastSeq <= seqBefore {
		t.Errorf("New writes must get fresh sequence numbers")
	}
	// The newer version of a recovered key still wins.
	mustPut(t, db, "a", "updated")
	expectValue(t, db, "a", "updated")
}

func TestMemtableRotationUnderLoad(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.MemtableSize = 4 * 1024 // tiny, to force freezes
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	value := bytes.Repeat([]byte("v"), 256)
	for i := 0; i < 200; i++ {
		if err := db.Put([]byte(fmt.Sprintf("key-%04d", i)), value); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	stats := db.Stats()
	if stats.Flushes == 0 {
		t.Error("Expected at least one flush")
	}
	if stats.FrozenMemtables != 0 {
		t.Errorf("Expected no frozen memtables after Flush, got %d", stats.FrozenMemtables)
	}
	// Every key remains readable.
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%04d", i)
		if _, ok, err := db.Get([]byte(key)); err != nil || !ok {
			t.Fatalf("Key %s lost after rotation: found=%v err=%v", key, ok, err)
		}
	}
}

func TestCompactionReducesL0(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	for i := 0; i < 5; i++ {
		for j := 0; j < 20; j++ {
			mustPut(t, db, fmt.Sprintf("key-%03d", j), fmt.Sprintf("gen-%d", i))
		}
		if err := db.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}
	if db.Stats().RunsPerLevel[0] != 5 {
		t.Fatalf("Expected 5 L0 runs, got %v", db.Stats().RunsPerLevel)
	}

	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}
	stats := db.Stats()
	if stats.RunsPerLevel[0] != 0 {
		t.Errorf("Expected empty L0 after compaction, got %v", stats.RunsPerLevel)
	}
	if stats.Compactions == 0 {
		t.Error("Expected compaction counter to advance")
	}

	// Only the newest generation survives merging.
	for j := 0; j < 20; j++ {
		expectValue(t, db, fmt.Sprintf("key-%03d", j), "gen-4")
	}
}

func TestCompactionDropsShadowedAndTombstones(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	for i := 0; i < 50; i++ {
		mustPut(t, db, fmt.Sprintf("key-%03d", i), "v1")
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		mustDelete(t, db, fmt.Sprintf("key-%03d", i))
	}
	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}

	// With no snapshots open, deleted keys and their tombstones are
	// gone entirely.
	got := scanAll(t, db)
	if len(got) != 0 {
		t.Errorf("Expected empty database, got %d keys", len(got))
	}
	stats := db.Stats()
	var total int
	for _, n := range stats.RunsPerLevel {
		total += n
	}
	if total != 0 {
		t.Errorf("Expected all runs compacted away, got %v", stats.RunsPerLevel)
	}
}

func TestCompactionKeepsVersionsForSnapshot(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "k", "v1")
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	snap, err := db.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	mustDelete(t, db, "k")
	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}

	// The tombstone cannot be collected while the snapshot lives, and
	// the snapshot keeps seeing v1.
	v, ok, err := snap.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v1" {
		t.Errorf("Snapshot Get: got %q/%v/%v, want v1", v, ok, err)
	}
	expectMissing(t, db, "k")
	snap.Release()

	// After release the garbage can go.
	if err := db.CompactNow(); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}
	expectMissing(t, db, "k")
}

func TestExplicitLevelCompaction(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "a", "1")
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := db.CompactNow(0); err != nil {
		t.Fatalf("CompactNow(0) failed: %v", err)
	}
	stats := db.Stats()
	if stats.RunsPerLevel[0] != 0 || stats.RunsPerLevel[1] != 1 {
		t.Errorf("Expected run moved to L1, got %v", stats.RunsPerLevel)
	}
	expectValue(t, db, "a", "1")

	if err := db.CompactNow(1); err != nil {
		t.Fatalf("CompactNow(1) failed: %v", err)
	}
	stats = db.Stats()
	if stats.RunsPerLevel[1] != 0 || stats.RunsPerLevel[2] != 1 {
		t.Errorf("Expected run moved to L2, got %v", stats.RunsPerLevel)
	}
	expectValue(t, db, "a", "1")
}

func TestOperationsAfterClose(t *testing.T) {
	db := newTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	if err := db.Put([]byte("k"), []byte("v")); err != ErrClosed {
		t.Errorf("Put after close: expected ErrClosed, got %v", err)
	}
	if _, _, err := db.Get([]byte("k")); err != ErrClosed {
		t.Errorf("Get after close: expected ErrClosed, got %v", err)
	}
	if _, err := db.Snapshot(); err != ErrClosed {
		t.Errorf("Snapshot after close: expected ErrClosed, got %v", err)
	}
	if err := db.CompactNow(); err != ErrClosed {
		t.Errorf("CompactNow after close: expected ErrClosed, got %v", err)
	}
}

func TestAutoCompactionBackground(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.AutoCompaction = true
	opts.MemtableSize = 2 * 1024
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	value := bytes.Repeat([]byte("x"), 128)
	for i := 0; i < 500; i++ {
		if err := db.Put([]byte(fmt.Sprintf("key-%05d", i)), value); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// Everything stays readable regardless of background progress.
	for i := 0; i < 500; i += 50 {
		key := fmt.Sprintf("key-%05d", i)
		v, ok, err := db.Get([]byte(key))
		if err != nil || !ok {
			t.Fatalf("Key %s: found=%v err=%v", key, ok, err)
		}
		if !bytes.Equal(v, value) {
			t.Errorf("Key %s: value mismatch", key)
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	db.Get([]byte("a"))

	stats := db.Stats()
	if stats.Writes != 2 {
		t.Errorf("Expected 2 writes, got %d", stats.Writes)
	}
	if stats.Reads != 1 {
		t.Errorf("Expected 1 read, got %d", stats.Reads)
	}
	if stats.LastSeq != 2 {
		t.Errorf("Expected LastSeq 2, got %d", stats.LastSeq)
	}
	if stats.MemtableBytes <= 0 {
		t.Error("Expected non-zero memtable bytes")
	}
}

func BenchmarkPut(b *testing.B) {
	db, err := Open(testOptions(b.TempDir()))
	if err != nil {
		b.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	value := bytes.Repeat([]byte("v"), 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key-%09d", i))
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	db, err := Open(testOptions(b.TempDir()))
	if err != nil {
		b.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	value := bytes.Repeat([]byte("v"), 100)
	const n = 10000
	for i := 0; i < n; i++ {
		if err := db.Put([]byte(fmt.Sprintf("key-%09d", i)), value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("Flush failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key-%09d", i%n))
		if _, ok, err := db.Get(key); err != nil || !ok {
			b.Fatalf("Get failed: found=%v err=%v", ok, err)
		}
	}
}

func BenchmarkScan(b *testing.B) {
	db, err := Open(testOptions(b.TempDir()))
	if err != nil {
		b.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	value := bytes.Repeat([]byte("v"), 100)
	for i := 0; i < 10000; i++ {
		if err := db.Put([]byte(fmt.Sprintf("key-%09d", i)), value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("Flush failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := db.Scan([]byte("key-000001000"), []byte("key-000002000"))
		if err != nil {
			b.Fatalf("Scan failed: %v", err)
		}
		for it.Next() {
		}
		if err := it.Err(); err != nil {
			b.Fatalf("Scan failed: %v", err)
		}
		it.Close()
	}
}
