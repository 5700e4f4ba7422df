// Package metrics exposes Prometheus instrumentation for the storage engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metrics for the engine
type Registry struct {
	// Write path
	WritesTotal       *prometheus.CounterVec
	WriteDuration     prometheus.Histogram
	WALAppendDuration prometheus.Histogram
	WALSegments       prometheus.Gauge
	BytesWritten      prometheus.Counter

	// Read path
	ReadsTotal   *prometheus.CounterVec
	ReadDuration prometheus.Histogram
	ScansTotal   prometheus.Counter
	BytesRead    prometheus.Counter

	// Background work
	FlushesTotal       *prometheus.CounterVec
	FlushDuration      prometheus.Histogram
	CompactionsTotal   *prometheus.CounterVec
	CompactionDuration prometheus.Histogram
	CompactionBytes    prometheus.Counter

	// State
	MemtableBytes  prometheus.Gauge
	FrozenTables   prometheus.Gauge
	RunsPerLevel   *prometheus.GaugeVec
	LiveVersions   prometheus.Gauge
	OpenSnapshots  prometheus.Gauge
	DiskUsageBytes prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{registry: reg}
	r.initWriteMetrics()
	r.initReadMetrics()
	r.initBackgroundMetrics()
	r.initStateMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initWriteMetrics() {
	r.WritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "calder_writes_total",
			Help: "Total number of write operations",
		},
		[]string{"kind", "status"},
	)

	r.WriteDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calder_write_duration_seconds",
			Help:    "Foreground write duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	r.WALAppendDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calder_wal_append_duration_seconds",
			Help:    "WAL append and sync duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	r.WALSegments = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "calder_wal_segments",
			Help: "Number of live WAL segment files",
		},
	)

	r.BytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "calder_bytes_written_total",
			Help: "Total bytes accepted by the write path",
		},
	)
}

func (r *Registry) initReadMetrics() {
	r.ReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "calder_reads_total",
			Help: "Total number of point reads",
		},
		[]string{"source", "status"},
	)

	r.ReadDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calder_read_duration_seconds",
			Help:    "Point read duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	r.ScansTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "calder_scans_total",
			Help: "Total number of range scans started",
		},
	)

	r.BytesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "calder_bytes_read_total",
			Help: "Total value bytes returned to callers",
		},
	)
}

func (r *Registry) initBackgroundMetrics() {
	r.FlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "calder_flushes_total",
			Help: "Total number of memtable flushes",
		},
		[]string{"status"},
	)

	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calder_flush_duration_seconds",
			Help:    "Memtable flush duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "calder_compactions_total",
			Help: "Total number of compaction jobs",
		},
		[]string{"status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calder_compaction_duration_seconds",
			Help:    "Compaction job duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)

	r.CompactionBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "calder_compaction_bytes_total",
			Help: "Total bytes rewritten by compaction",
		},
	)
}

func (r *Registry) initStateMetrics() {
	r.MemtableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "calder_memtable_bytes",
			Help: "Approximate size of the active memtable in bytes",
		},
	)

	r.FrozenTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "calder_frozen_memtables",
			Help: "Number of frozen memtables awaiting flush",
		},
	)

	r.RunsPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calder_runs_per_level",
			Help: "Number of sorted runs at each level",
		},
		[]string{"level"},
	)

	r.LiveVersions = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "calder_live_versions",
			Help: "Number of manifest versions still referenced",
		},
	)

	r.OpenSnapshots = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "calder_open_snapshots",
			Help: "Number of snapshots currently held by callers",
		},
	)

	r.DiskUsageBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "calder_disk_usage_bytes",
			Help: "Disk space used by sorted runs in bytes",
		},
	)
}

// RecordWrite records a foreground write with its duration
func (r *Registry) RecordWrite(kind, status string, duration time.Duration) {
	r.WritesTotal.WithLabelValues(kind, status).Inc()
	r.WriteDuration.Observe(duration.Seconds())
}

// RecordRead records a point read with the source that served it
func (r *Registry) RecordRead(source, status string, duration time.Duration) {
	r.ReadsTotal.WithLabelValues(source, status).Inc()
	r.ReadDuration.Observe(duration.Seconds())
}

// RecordFlush records a flush outcome with its duration
func (r *Registry) RecordFlush(status string, duration time.Duration) {
	r.FlushesTotal.WithLabelValues(status).Inc()
	r.FlushDuration.Observe(duration.Seconds())
}

// RecordCompaction records a compaction outcome with its duration and volume
func (r *Registry) RecordCompaction(status string, duration time.Duration, bytes int64) {
	r.CompactionsTotal.WithLabelValues(status).Inc()
	r.CompactionDuration.Observe(duration.Seconds())
	if bytes > 0 {
		r.CompactionBytes.Add(float64(bytes))
	}
}

// SetLevelRuns updates the per-level run count gauge
func (r *Registry) SetLevelRuns(level, count int) {
	r.RunsPerLevel.WithLabelValues(strconv.Itoa(level)).Set(float64(count))
}
