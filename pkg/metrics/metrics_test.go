package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWrite(t *testing.T) {
	r := NewRegistry()
	r.RecordWrite("batch", "ok", 2*time.Millisecond)
	r.RecordWrite("batch", "ok", 3*time.Millisecond)
	r.RecordWrite("batch", "error", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.WritesTotal.WithLabelValues("batch", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.WritesTotal.WithLabelValues("batch", "error")))
}

func TestRecordReadAndFlush(t *testing.T) {
	r := NewRegistry()
	r.RecordRead("memtable", "hit", time.Millisecond)
	r.RecordFlush("ok", 10*time.Millisecond)
	r.RecordCompaction("ok", time.Second, 4096)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.ReadsTotal.WithLabelValues("memtable", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FlushesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CompactionsTotal.WithLabelValues("ok")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(r.CompactionBytes))
}

func TestLevelGauges(t *testing.T) {
	r := NewRegistry()
	r.SetLevelRuns(0, 4)
	r.SetLevelRuns(1, 2)
	r.SetLevelRuns(0, 3)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.RunsPerLevel.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.RunsPerLevel.WithLabelValues("1")))
}

func TestAllMetricsRegistered(t *testing.T) {
	r := NewRegistry()
	r.RecordWrite("batch", "ok", time.Millisecond)
	r.MemtableBytes.Set(1024)
	r.OpenSnapshots.Inc()

	families, err := r.GetPrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"calder_writes_total",
		"calder_write_duration_seconds",
		"calder_memtable_bytes",
		"calder_open_snapshots",
	} {
		assert.True(t, names[want], "metric %s not gathered", want)
	}
}
