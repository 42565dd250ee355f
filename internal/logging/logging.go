// Package logging provides the structured logger shared across LiteCore's
// components. Every subsystem obtains a component-tagged zap sugared logger
// from here instead of owning its own logging setup.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once sync.Once
	base *zap.Logger
)

func root() *zap.Logger {
	once.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// For returns a component-tagged sugared logger, e.g. logging.For("replicator").
func For(component string) *zap.SugaredLogger {
	return root().Sugar().With("component", component)
}

// Nop returns a logger that discards everything, for use in tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// SetGlobal overrides the process-wide base logger; used by cmd/ binaries to
// install a development logger instead of the production default.
func SetGlobal(l *zap.Logger) {
	once.Do(func() {}) // keep root() from replacing l with the default later
	base = l
}
