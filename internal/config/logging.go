package config

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger from the log section
func NewLogger(w io.Writer, lc LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	var h slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
