package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates the process logger: text to stderr and JSON to logFile.
// With console false only the file receives records, so a full-screen view
// is not overwritten. Returns the logger and a cleanup that closes the file.
func SetupLogger(logFile string, level slog.Level, console bool) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}
	var handlers []slog.Handler
	if console {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	if logFile == "" {
		return newLogger(handlers), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr if the file is unavailable
		fallback := slog.New(slog.NewTextHandler(os.Stderr, opts))
		fallback.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return fallback, func() error { return nil }
	}

	handlers = append(handlers, slog.NewJSONHandler(file, opts))
	return newLogger(handlers), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	return newLogger([]slog.Handler{
		slog.NewTextHandler(stderr, opts),
		slog.NewJSONHandler(file, opts),
	})
}

func newLogger(handlers []slog.Handler) *slog.Logger {
	if len(handlers) == 0 {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
