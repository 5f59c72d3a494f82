package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the process logger from config and installs it as slog's default.
// "json" writes structured records; "pretty" writes aligned key=value lines for local runs.
func NewLogger(cfg Config) *slog.Logger {
	log := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	slog.SetDefault(log)
	return log
}

// NewLoggerTo is NewLogger writing to w without touching slog's default.
// Maintenance commands use it to keep logs off stdout.
func NewLoggerTo(w io.Writer, cfg Config) *slog.Logger {
	return newLogger(w, cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
}

func newLogger(w io.Writer, level, format string, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		return slog.New(newPrettyHandler(w, opts, color))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
