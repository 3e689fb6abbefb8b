package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// Discard returns a Logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{slog.New(slog.DiscardHandler)}
}

// With returns a Logger with the given attributes attached to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}
