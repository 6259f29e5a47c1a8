package cli

import (
	"io"
	"log/slog"
)

// NewLogger builds a *slog.Logger the way internal/app/logger.go picked a
// handler: a plain level/format switch, kept independent of the global
// default logger so callers can wire it into context explicitly.
func NewLogger(debug bool, format string, outW io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}

	return slog.New(handler)
}
