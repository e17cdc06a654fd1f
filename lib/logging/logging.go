// Package logging configures the process-wide slog logger from the
// environment.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// EnvVar selects the log level, RUST_LOG style: error, warn, info, debug.
const EnvVar = "PEXEC_LOG"

// Setup builds a JSON logger at the level named by PEXEC_LOG and installs it
// as the slog default. Unknown or empty values mean info.
func Setup() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(os.Getenv(EnvVar)),
	}))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a RUST_LOG-style level name to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug", "trace":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
