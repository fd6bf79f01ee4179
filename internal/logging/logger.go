// Package logging builds the zerolog logger shared across every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console-writer pretty print instead of JSON
}

// New builds a structured logger: JSON output, RFC3339 timestamp, caller
// info, tagged with the service name. Pretty mode swaps JSON for a
// console writer, for local/dev use.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "deribit-ws-core").
		Logger()
}
