// Package logging installs the process-wide slog handler.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs a colored tint handler on stderr at the level named by
// the LOG_LEVEL environment variable (debug, info, warn, error). Empty or
// unknown values mean info.
func Setup() {
	SetupWithLevel(parseLevel(os.Getenv("LOG_LEVEL")))
}

// SetupWithLevel installs the handler at an explicit level, bypassing the
// environment. Source locations are attached only at debug level to keep
// production lines short.
func SetupWithLevel(level slog.Level) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		AddSource:  level <= slog.LevelDebug,
	})))
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
