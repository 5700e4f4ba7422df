package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestJSONLoggerEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	logger.Info("flush complete", Component("engine"), Count(3), Seq(42))

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "flush complete", entry.Message)
	assert.Equal(t, "engine", entry.Fields["component"])
	assert.EqualValues(t, 3, entry.Fields["count"])
	assert.EqualValues(t, 42, entry.Fields["seq"])
	assert.NotEmpty(t, entry.Time)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len(), "below-threshold messages must be dropped")

	logger.Warn("visible")
	assert.NotZero(t, buf.Len())
}

func TestWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel).With(Component("wal"), Segment(7))

	logger.Info("rotated")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "wal", entry.Fields["component"])
	assert.EqualValues(t, 7, entry.Fields["segment"])

	// Call-site fields override inherited ones.
	buf.Reset()
	logger.Info("rotated", Segment(8))
	entry = decodeEntry(t, &buf)
	assert.EqualValues(t, 8, entry.Fields["segment"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, InfoLevel, ParseLevel("info"))
	assert.Equal(t, WarnLevel, ParseLevel("warn"))
	assert.Equal(t, ErrorLevel, ParseLevel("ERROR"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNopLogger()
	// Must not panic, whatever is thrown at it.
	logger.Debug("a", Error(nil))
	logger.With(Component("x")).Error("b")
	assert.Equal(t, InfoLevel, logger.GetLevel())
}
