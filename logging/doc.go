// Package logging defines the Logger interface used across agentforge and
// its slog based implementations.
//
// RunLogger is the implementation wired by the agentforge binary. Besides the
// four level methods it records node, tool and model outcomes in a fixed shape
// (NodeLogger, ToolLogger, ModelLogger); components type-assert for these and
// fall back to plain lines for other loggers.
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	forge := agentforge.New(func(o *agentforge.Options) { o.Logger = logger })
//
// Arguments after the message are key/value pairs, as with log/slog.
package logging
