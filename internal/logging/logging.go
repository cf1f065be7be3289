package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New initializes the default slog logger from LOG_FORMAT (text|json) and
// LOG_LEVEL (debug|info|warn|error). Text output with debug level is the
// default for development.
func New() {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))))
}

// NewHandler builds the handler New installs, writing to w.
func NewHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:     lvl,
			AddSource: lvl == slog.LevelDebug,
		})
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to debug.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
