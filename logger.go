package sketch

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific context helpers so every
// component logs with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, uses a default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))}
}

// WithDataset adds catalog and dataset fields to the logger.
func (l *Logger) WithDataset(catalog, dataset string) *Logger {
	return &Logger{Logger: l.Logger.With("catalog", catalog, "dataset", dataset)}
}

// WithNode adds a node id field to the logger.
func (l *Logger) WithNode(id uint64) *Logger {
	return &Logger{Logger: l.Logger.With("node", id)}
}

// WithTag adds a tag field to the logger.
func (l *Logger) WithTag(tag uint64) *Logger {
	return &Logger{Logger: l.Logger.With("tag", tag)}
}
