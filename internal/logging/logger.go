// Package logging builds the structured zerolog logger used across the
// broker.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the log level and output format.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New creates a structured logger. JSON output is the default so log
// aggregators ingest it directly; pretty output is for local development.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "relaypad").
		Logger()
}
