// Package logger provides the process-wide structured logger.
// It wraps zerolog with the console-pretty/JSON switch the rest of the
// codebase expects: pretty console output when Config.Pretty is set,
// plain JSON lines otherwise. There is no terminal detection.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is constructed.
type Config struct {
	// Level is one of "trace", "debug", "info", "warn", "error", "fatal", "panic".
	// Unknown or empty values fall back to "info".
	Level string
	// Pretty enables the human-readable console writer. Set for `dev` runs;
	// leave false for anything whose output might be consumed by a log shipper.
	Pretty bool
}

// New builds a root zerolog.Logger from cfg. Components derive sub-loggers
// from it via log.With().Str("component", name).Logger() rather than
// constructing their own root.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out zerolog.ConsoleWriter
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(out).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// NewNop returns a logger that discards everything; handy for tests that
// want to construct components without asserting on log output.
func NewNop() zerolog.Logger {
	return zerolog.Nop()
}
