// Package logger builds the shared structured logger.
//
// All subsystems log through one JSON slog.Logger writing to stdout; the
// level comes from configuration. Debug level additionally records source
// locations.
package logger

import (
	"log/slog"
	"os"
)

// New constructs a JSON slog.Logger for the given level string. Unknown
// level strings default to INFO.
func New(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
