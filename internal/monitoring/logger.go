// Package monitoring carries the process-wide diagnostic logger.
package monitoring

import (
	"go.uber.org/zap"
)

// Logf is the package-level diagnostic logger. It defaults to a production
// zap logger and may be replaced by SetLogger. Tests can redirect or mute it.
var Logf func(format string, v ...interface{}) = defaultLogf()

func defaultLogf() func(string, ...interface{}) {
	logger, err := zap.NewProduction()
	if err != nil {
		// No logging backend available; fall back to a no-op rather than
		// taking the sampling pipeline down.
		return func(string, ...interface{}) {}
	}
	return logger.Sugar().Infof
}

// SetLogger points the package logger at the provided zap logger. Passing nil
// sets a no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = l.Sugar().Infof
}

// SetLogf replaces the package logger with an arbitrary printf-style
// function. Passing nil sets a no-op logger.
func SetLogf(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
