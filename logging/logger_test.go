package logging

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer, level LogLevel) *RunLogger {
	return NewLogger(&LoggerConfig{Level: level, Format: "json", Output: buf, Component: "engine"})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any

	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}

	return out
}

func TestRunLogger_KeyValueArgs(t *testing.T) {
	var buf bytes.Buffer

	l := newBufferLogger(&buf, LogLevelDebug).WithRun("acme", "run-1")
	l.Info("node.execute.start", "node", "root/a", "attempt", 2)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "node.execute.start", lines[0]["msg"])
	assert.Equal(t, "root/a", lines[0]["node"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, "acme", lines[0]["tenant_id"])
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "engine", lines[0]["component"])
}

func TestRunLogger_DanglingValue(t *testing.T) {
	var buf bytes.Buffer

	newBufferLogger(&buf, LogLevelDebug).Warn("odd", "lonely")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "lonely", lines[0]["!BADKEY"])
}

func TestRunLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer

	l := newBufferLogger(&buf, LogLevelWarn)
	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
}

func TestRunLogger_LogNodeExecution(t *testing.T) {
	var buf bytes.Buffer

	l := newBufferLogger(&buf, LogLevelInfo)
	l.LogNodeExecution("root/b", "leaf", 10*time.Millisecond, false, errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "node.execute.failed", lines[0]["msg"])
	assert.Equal(t, "root/b", lines[0]["node_path"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestRunLogger_WithContextDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer

	base := newBufferLogger(&buf, LogLevelInfo)
	_ = base.WithContext("extra", "x")
	base.Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["extra"]
	assert.False(t, ok)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"bogus":   LogLevelInfo,
	}

	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, ParseLevel(in))
		})
	}
}

func TestRunLogger_LogToolCall(t *testing.T) {
	var buf bytes.Buffer

	newBufferLogger(&buf, LogLevelInfo).LogToolCall("calculate", time.Millisecond, true, nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "tool.call.completed", lines[0]["msg"])
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "calculate", lines[0]["tool_name"])
	assert.Equal(t, true, lines[0]["success"])
	assert.NotContains(t, lines[0], "error")
}

func TestRunLogger_ErrorWithStack(t *testing.T) {
	var buf bytes.Buffer

	newBufferLogger(&buf, LogLevelInfo).ErrorWithStack(errors.New("boom"), "engine.panic", "run_id", "r1")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "r1", lines[0]["run_id"])
	assert.Contains(t, lines[0]["stack_trace"], "goroutine")
}

var (
	_ Logger      = (*RunLogger)(nil)
	_ NodeLogger  = (*RunLogger)(nil)
	_ ToolLogger  = (*RunLogger)(nil)
	_ ModelLogger = (*RunLogger)(nil)
	_ Logger      = NoOpLogger{}
)
