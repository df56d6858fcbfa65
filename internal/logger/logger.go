// Package logger configures structured logging for downlink.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console output for development
	Output io.Writer
}

// New builds the root logger. Components derive their own sub-loggers with
// a "component" field.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "downlink").
		Logger()
}

// Nop returns a disabled logger for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
