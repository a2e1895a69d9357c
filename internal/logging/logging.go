// Package logging wires the process-wide structured logger. Every
// component gets a named child logger via Named so log lines carry their
// origin without call sites threading a component string through.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. debug=true switches to a human-readable
// console encoder at debug level; otherwise JSON at info level, suited to
// log aggregation.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Named returns a child logger scoped to component, e.g. "collector",
// "alerts", "server".
func Named(base *zap.Logger, component string) *zap.Logger {
	return base.Named(component)
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
