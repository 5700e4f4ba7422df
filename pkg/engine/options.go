package engine

import (
	"os"

	"github.com/calderdb/calder/pkg/config"
	"github.com/calderdb/calder/pkg/logging"
	"github.com/calderdb/calder/pkg/metrics"
	"github.com/calderdb/calder/pkg/sstable"
	"github.com/calderdb/calder/pkg/wal"
)

// Options configures a database instance. Zero values are replaced
// with defaults by Open.
type Options struct {
	// Dir is the root directory holding runs, the manifest and the WAL.
	Dir string

	// MemtableSize is the approximate size in bytes at which the active
	// memtable is frozen and queued for flush.
	MemtableSize int64

	// L0CompactionTrigger is the number of L0 runs that triggers a
	// compaction into L1.
	L0CompactionTrigger int

	// LevelSizeRatio is the capacity growth factor between adjacent levels.
	LevelSizeRatio float64

	// MaxLevels bounds the depth of the tree.
	MaxLevels int

	// BaseLevelSize is the byte capacity of L1; level n holds
	// BaseLevelSize * LevelSizeRatio^(n-1).
	BaseLevelSize int64

	// TargetRunSize is the approximate size at which compaction output
	// runs are split.
	TargetRunSize int64

	// BlockSize is the uncompressed data block size inside runs.
	BlockSize int

	// BloomFPRate is the per-run bloom filter false positive rate.
	BloomFPRate float64

	// BlockCompression selects the run block compression codec.
	BlockCompression sstable.Compression

	// UseMmap reads runs through memory mapping instead of pread.
	UseMmap bool

	// WALSegmentSize is the rotation threshold for WAL segments.
	WALSegmentSize int64

	// WALSync fsyncs the WAL after every batch.
	WALSync bool

	// WALCompression selects the WAL record compression codec.
	WALCompression wal.Compression

	// AutoCompaction enables the background flush and compaction workers.
	AutoCompaction bool

	// Strategy picks compactions. Defaults to a leveled strategy built
	// from the options above.
	Strategy CompactionStrategy

	// Logger receives structured engine logs.
	Logger logging.Logger

	// Metrics receives engine metrics. Optional.
	Metrics *metrics.Registry
}

// DefaultOptions returns production-ready defaults for the given directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                 dir,
		MemtableSize:        4 << 20,
		L0CompactionTrigger: 4,
		LevelSizeRatio:      10,
		MaxLevels:           7,
		BaseLevelSize:       64 << 20,
		TargetRunSize:       16 << 20,
		BlockSize:           4096,
		BloomFPRate:         0.01,
		BlockCompression:    sstable.SnappyCompression,
		WALSegmentSize:      16 << 20,
		WALSync:             true,
		WALCompression:      wal.SnappyCompression,
		AutoCompaction:      true,
		Logger:              logging.DefaultLogger(),
	}
}

// OptionsFromConfig builds Options from a loaded configuration file.
func OptionsFromConfig(cfg config.Config) Options {
	opts := DefaultOptions(cfg.DataDir)
	if cfg.MemtableSizeBytes > 0 {
		opts.MemtableSize = cfg.MemtableSizeBytes
	}
	if cfg.L0CompactionTrigger > 0 {
		opts.L0CompactionTrigger = cfg.L0CompactionTrigger
	}
	if cfg.LevelSizeRatio > 0 {
		opts.LevelSizeRatio = cfg.LevelSizeRatio
	}
	if cfg.MaxLevels > 0 {
		opts.MaxLevels = cfg.MaxLevels
	}
	if cfg.TargetRunSizeBytes > 0 {
		opts.TargetRunSize = cfg.TargetRunSizeBytes
	}
	if cfg.BlockSizeBytes > 0 {
		opts.BlockSize = int(cfg.BlockSizeBytes)
	}
	if cfg.BloomFPRate > 0 {
		opts.BloomFPRate = cfg.BloomFPRate
	}
	if cfg.BlockCompression == "none" {
		opts.BlockCompression = sstable.NoCompression
	}
	opts.UseMmap = cfg.UseMmap
	if cfg.WALSegmentSizeBytes > 0 {
		opts.WALSegmentSize = cfg.WALSegmentSizeBytes
	}
	opts.WALSync = cfg.WALSyncEnabled()
	if cfg.WALCompression == "none" {
		opts.WALCompression = wal.NoCompression
	}
	opts.AutoCompaction = cfg.AutoCompactionEnabled()
	if cfg.LogLevel != "" {
		opts.Logger = logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	}
	return opts
}

func (o *Options) applyDefaults() {
	def := DefaultOptions(o.Dir)
	if o.MemtableSize <= 0 {
		o.MemtableSize = def.MemtableSize
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = def.L0CompactionTrigger
	}
	if o.LevelSizeRatio <= 1 {
		o.LevelSizeRatio = def.LevelSizeRatio
	}
	if o.MaxLevels <= 1 {
		o.MaxLevels = def.MaxLevels
	}
	if o.BaseLevelSize <= 0 {
		o.BaseLevelSize = def.BaseLevelSize
	}
	if o.TargetRunSize <= 0 {
		o.TargetRunSize = def.TargetRunSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = def.BloomFPRate
	}
	if o.WALSegmentSize <= 0 {
		o.WALSegmentSize = def.WALSegmentSize
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.Strategy == nil {
		o.Strategy = NewLeveledStrategy(o.L0CompactionTrigger, o.LevelSizeRatio, o.MaxLevels, o.BaseLevelSize)
	}
}
