// Package logging sets up the engine's structured logger.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is the default engine logger, writing colorized structured
// records to stderr.
var Logger *slog.Logger

func init() {
	Logger = New(slog.LevelInfo)
}

// New returns a tinted logger at the given level.
func New(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
