package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calder.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/calder
memtable_size_bytes: 8388608
l0_compaction_trigger: 6
level_size_ratio: 8
max_levels: 5
target_run_size_bytes: 33554432
block_size_bytes: 8192
bloom_fp_rate: 0.005
block_compression: snappy
use_mmap: true
wal_segment_size_bytes: 8388608
wal_sync: false
wal_compression: none
auto_compaction: false
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/calder" {
		t.Errorf("DataDir: got %q", cfg.DataDir)
	}
	if cfg.MemtableSizeBytes != 8388608 {
		t.Errorf("MemtableSizeBytes: got %d", cfg.MemtableSizeBytes)
	}
	if cfg.L0CompactionTrigger != 6 {
		t.Errorf("L0CompactionTrigger: got %d", cfg.L0CompactionTrigger)
	}
	if !cfg.UseMmap {
		t.Error("UseMmap should be true")
	}
	if cfg.WALSyncEnabled() {
		t.Error("WALSyncEnabled should be false")
	}
	if cfg.AutoCompactionEnabled() {
		t.Error("AutoCompactionEnabled should be false")
	}
}

func TestDefaultsWhenOmitted(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/calder\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Pointer-backed booleans default to enabled.
	if !cfg.WALSyncEnabled() {
		t.Error("WALSyncEnabled should default to true")
	}
	if !cfg.AutoCompactionEnabled() {
		t.Error("AutoCompactionEnabled should default to true")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing data_dir", "memtable_size_bytes: 1024\n"},
		{"bad bloom rate", "data_dir: /tmp/x\nbloom_fp_rate: 1.5\n"},
		{"bad compression", "data_dir: /tmp/x\nblock_compression: lz4\n"},
		{"bad level ratio", "data_dir: /tmp/x\nlevel_size_ratio: 0.5\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
