package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_FieldsAndLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })
	var buf bytes.Buffer
	l := New(&buf, "link").With("port", "/dev/ttyUSB0")

	l.Debug("hidden")
	l.Info("frame received", "size", 42, 7, "skipped")
	l.Error("decode failed", errors.New("bad crc"), "type", "pub")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "link", lines[0]["component"])
	assert.Equal(t, "/dev/ttyUSB0", lines[0]["port"])
	assert.Equal(t, float64(42), lines[0]["size"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "bad crc", lines[1]["error"])
	assert.Equal(t, "error", lines[1]["level"])

	require.NoError(t, SetLevel("debug"))
	buf.Reset()
	l.Debug("visible")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestSetLevel_Invalid(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })
	assert.Error(t, SetLevel("loud"))
	assert.NoError(t, SetLevel(""))

	var buf bytes.Buffer
	New(&buf, "x").Debug("still hidden")
	assert.Empty(t, buf.String())
}

func TestLogger_LevelAppliesToExistingLoggers(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })
	var buf bytes.Buffer
	l := New(&buf, "node")

	require.NoError(t, SetLevel("warn"))
	l.Info("dropped")
	l.Warn("queue full", "node", "0x10")
	l.Error("tx failed", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "0x10", lines[0]["node"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.NotContains(t, lines[1], "error")
}
