package core

import (
	"slices"

	"github.com/hupe1980/agentforge/logging"
)

// logScope gives RunContext and ToolContext their LogDebug..LogError helpers.
// Its fields are prepended to the key/value pairs of every record.
type logScope struct {
	logger logging.Logger
	fields []any
}

func newLogScope(l logging.Logger, fields ...any) *logScope {
	if l == nil {
		l = logging.NoOpLogger{}
	}

	return &logScope{logger: l, fields: fields}
}

// Logger returns the underlying logger.
func (s *logScope) Logger() logging.Logger { return s.logger }

func (s *logScope) kv(args []any) []any {
	if len(s.fields) == 0 {
		return args
	}

	return append(slices.Clip(s.fields), args...)
}

// LogDebug logs at debug level.
func (s *logScope) LogDebug(msg string, args ...any) { s.logger.Debug(msg, s.kv(args)...) }

// LogInfo logs at info level.
func (s *logScope) LogInfo(msg string, args ...any) { s.logger.Info(msg, s.kv(args)...) }

// LogWarn logs at warn level.
func (s *logScope) LogWarn(msg string, args ...any) { s.logger.Warn(msg, s.kv(args)...) }

// LogError logs at error level.
func (s *logScope) LogError(msg string, args ...any) { s.logger.Error(msg, s.kv(args)...) }
