// Package log hands out pre-tagged zerolog loggers, giving the consensus
// core a structured-field logging style without a process-wide singleton.
package log

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a logger tagged with the given component name, ready to have
// instance-specific fields (consensus_id, my_id, ...) chained onto it with
// With().
func New(component string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
