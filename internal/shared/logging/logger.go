package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON slog.Logger tagged with the subsystem name. The level is
// taken from FLEET_LOG_LEVEL (debug, info, warn, error; default info).
func New(subsystem string) *slog.Logger {
	return NewWithWriter(os.Stdout, subsystem)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, subsystem string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     levelFromEnv(),
	})
	return slog.New(handler).With("subsystem", subsystem)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("FLEET_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
