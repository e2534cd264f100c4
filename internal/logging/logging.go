// Package logging builds the slog loggers used across healthmon.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New builds a logger for w. format is "json" or "text"; anything else
// falls back to JSON.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("app", "healthmon")
}

// ParseLevel maps debug, info, warn|warning and error; unknown names are info.
func ParseLevel(level string) slog.Level {
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

// ForService scopes logger to one monitored service. A nil logger stays nil.
func ForService(logger *slog.Logger, id, name string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("service_id", id, "service_name", name)
}
