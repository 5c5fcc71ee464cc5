package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func initBuffer(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, Init(&Config{
		Level:       level,
		Format:      "json",
		ServiceName: "eidos-futures",
		Environment: "test",
		Output:      buf,
	}))
	t.Cleanup(func() { globalLogger = nil })
	return buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestInit_JSONFields(t *testing.T) {
	buf := initBuffer(t, "info")

	Info("listener started", zap.Uint64("start_block", 42))

	entries := lines(t, buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "listener started", e["msg"])
	assert.Equal(t, "eidos-futures", e["service"])
	assert.Equal(t, "test", e["env"])
	assert.Equal(t, float64(42), e["start_block"])
	assert.Contains(t, e["caller"], "logger_test.go")
}

func TestSetLevel(t *testing.T) {
	buf := initBuffer(t, "warn")

	Info("dropped")
	Warn("kept")
	SetLevel("debug")
	Debug("now visible")
	SetLevel("not-a-level")
	Debug("still visible")

	entries := lines(t, buf)
	require.Len(t, entries, 3)
	assert.Equal(t, "kept", entries[0]["msg"])
	assert.Equal(t, "now visible", entries[1]["msg"])
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	buf := initBuffer(t, "verbose")

	Debug("dropped")
	Info("kept")

	entries := lines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
}

func TestContextLogger(t *testing.T) {
	buf := initBuffer(t, "info")

	ctx := NewContext(context.Background(), zap.String("scan_id", "abc"))
	ctx = NewContext(ctx, zap.Int64("bet_id", 7))
	WithContext(ctx).Info("settlement confirmed")
	WithContext(context.Background()).Info("no fields")
	Named("scanner").Info("named")

	entries := lines(t, buf)
	require.Len(t, entries, 3)
	assert.Equal(t, "abc", entries[0]["scan_id"])
	assert.Equal(t, float64(7), entries[0]["bet_id"])
	assert.NotContains(t, entries[1], "scan_id")
	assert.Equal(t, "scanner", entries[2]["component"])
}

func TestL_NopBeforeInit(t *testing.T) {
	globalLogger = nil
	assert.NotPanics(t, func() {
		Info("ignored")
		assert.NoError(t, Sync())
	})
}
