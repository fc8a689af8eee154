package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// LoggerConfig configures a RunLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
	TenantID  string
	RunID     string
	Attrs     map[string]any
}

// DefaultLoggerConfig returns a JSON info level configuration writing to
// stdout.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout}
}

// RunLogger is a slog backed Logger that carries component, tenant and run
// attributes on every record. The With* methods return derived loggers and
// never modify the receiver.
type RunLogger struct {
	logger *slog.Logger
}

// NewLogger builds a RunLogger from cfg, or from DefaultLoggerConfig when cfg
// is nil.
func NewLogger(cfg *LoggerConfig) *RunLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	hopts := &slog.HandlerOptions{Level: cfg.Level.slogLevel(), AddSource: cfg.AddSource}

	var h slog.Handler = slog.NewJSONHandler(out, hopts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, hopts)
	}

	l := &RunLogger{logger: slog.New(h)}

	if cfg.Component != "" {
		l = l.WithComponent(cfg.Component)
	}

	if cfg.TenantID != "" || cfg.RunID != "" {
		l = l.WithRun(cfg.TenantID, cfg.RunID)
	}

	for k, v := range cfg.Attrs {
		l = l.WithContext(k, v)
	}

	return l
}

// NewSlogLogger is a shorthand for NewLogger with stdout output.
func NewSlogLogger(level LogLevel, format string, addSource bool) *RunLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	cfg.AddSource = addSource

	if format != "" {
		cfg.Format = format
	}

	return NewLogger(cfg)
}

func (l *RunLogger) with(args ...any) *RunLogger {
	return &RunLogger{logger: l.logger.With(args...)}
}

// WithContext attaches key=value to every record of the derived logger.
func (l *RunLogger) WithContext(key string, value any) *RunLogger {
	return l.with(key, value)
}

// WithComponent names the emitting component (engine, server, catalog...).
func (l *RunLogger) WithComponent(c string) *RunLogger {
	return l.with("component", c)
}

// WithRun attaches tenant and run identifiers. Empty values are skipped.
func (l *RunLogger) WithRun(tenantID, runID string) *RunLogger {
	var args []any

	if tenantID != "" {
		args = append(args, "tenant_id", tenantID)
	}

	if runID != "" {
		args = append(args, "run_id", runID)
	}

	return l.with(args...)
}

// Slog exposes the underlying *slog.Logger.
func (l *RunLogger) Slog() *slog.Logger { return l.logger }

func (l *RunLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *RunLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *RunLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *RunLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// ErrorWithStack logs err at error level together with the calling
// goroutine's stack.
func (l *RunLogger) ErrorWithStack(err error, msg string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, slog.LevelError) {
		return
	}

	buf := make([]byte, 4096)
	buf = buf[:runtime.Stack(buf, false)]

	attrs := []any{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
		slog.String("stack_trace", string(buf)),
	}

	l.logger.Log(ctx, slog.LevelError, msg, append(attrs, args...)...)
}

// LogToolCall records a tool invocation as tool.call.completed or
// tool.call.failed.
func (l *RunLogger) LogToolCall(tool string, dur time.Duration, success bool, err error) {
	l.outcome("tool.call", dur, success, err, slog.String("tool_name", tool))
}

// LogLLMCall records a model call as llm.call.completed or llm.call.failed.
func (l *RunLogger) LogLLMCall(model string, tokens int, dur time.Duration, success bool, err error) {
	l.outcome("llm.call", dur, success, err, slog.String("model", model), slog.Int("token_count", tokens))
}

// LogNodeExecution records a node outcome as node.execute.completed or
// node.execute.failed.
func (l *RunLogger) LogNodeExecution(path, kind string, dur time.Duration, success bool, err error) {
	l.outcome("node.execute", dur, success, err, slog.String("node_path", path), slog.String("node_kind", kind))
}

// outcome logs "<event>.completed" at info or "<event>.failed" at error.
func (l *RunLogger) outcome(event string, dur time.Duration, success bool, err error, attrs ...slog.Attr) {
	level, msg := slog.LevelInfo, event+".completed"
	if !success {
		level, msg = slog.LevelError, event+".failed"
	}

	attrs = append(attrs, slog.Duration("duration", dur), slog.Bool("success", success))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
