// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once. The level is taken
// from LOG_LEVEL (default info); output defaults to stdout.
func Configure(output io.Writer) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		if output == nil {
			output = os.Stdout
		}

		base = zerolog.New(output).With().
			Timestamp().
			Str("service", "reserve-api").
			Logger()
	})
}

// New returns a sub-logger tagged with the given component name.
func New(component string) zerolog.Logger {
	Configure(nil)
	return base.With().Str("component", component).Logger()
}
