// Package config loads engine configuration from YAML files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the engine's tunables in YAML form. Zero values mean
// "use the default".
type Config struct {
	DataDir string `yaml:"data_dir"`

	MemtableSizeBytes   int64   `yaml:"memtable_size_bytes"`
	L0CompactionTrigger int     `yaml:"l0_compaction_trigger"`
	LevelSizeRatio      float64 `yaml:"level_size_ratio"`
	MaxLevels           int     `yaml:"max_levels"`
	TargetRunSizeBytes  int64   `yaml:"target_run_size_bytes"`

	BlockSizeBytes   int     `yaml:"block_size_bytes"`
	BloomFPRate      float64 `yaml:"bloom_fp_rate"`
	BlockCompression string  `yaml:"block_compression"` // none | snappy
	UseMmap          bool    `yaml:"use_mmap"`

	WALSegmentSizeBytes int64  `yaml:"wal_segment_size_bytes"`
	WALSync             *bool  `yaml:"wal_sync"` // default true
	WALCompression      string `yaml:"wal_compression"`

	AutoCompaction *bool  `yaml:"auto_compaction"` // default true
	LogLevel       string `yaml:"log_level"`
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.MemtableSizeBytes < 0 {
		return fmt.Errorf("config: memtable_size_bytes must be positive")
	}
	if c.LevelSizeRatio < 0 || (c.LevelSizeRatio > 0 && c.LevelSizeRatio < 2) {
		return fmt.Errorf("config: level_size_ratio must be at least 2")
	}
	if c.BloomFPRate < 0 || c.BloomFPRate >= 1 {
		return fmt.Errorf("config: bloom_fp_rate must be in [0, 1)")
	}
	switch c.BlockCompression {
	case "", "none", "snappy":
	default:
		return fmt.Errorf("config: unknown block_compression %q", c.BlockCompression)
	}
	switch c.WALCompression {
	case "", "none", "snappy":
	default:
		return fmt.Errorf("config: unknown wal_compression %q", c.WALCompression)
	}
	return nil
}

// WALSyncEnabled resolves the wal_sync default.
func (c Config) WALSyncEnabled() bool {
	return c.WALSync == nil || *c.WALSync
}

// AutoCompactionEnabled resolves the auto_compaction default.
func (c Config) AutoCompactionEnabled() bool {
	return c.AutoCompaction == nil || *c.AutoCompaction
}
