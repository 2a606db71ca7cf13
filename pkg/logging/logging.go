// Package logging constructs the engine's named hclog loggers. Every
// component gets a sub-logger named after itself so scan output can be
// filtered by origin.
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns a structured logger for the named component at the given
// level ("trace", "debug", "info", "warn", "error"). An unknown level
// falls back to info.
func New(name, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: os.Stderr,
		Level:  hclog.LevelFromString(level),
	})
}

// Nop returns a logger that discards everything, for tests.
func Nop() hclog.Logger {
	return hclog.NewNullLogger()
}
