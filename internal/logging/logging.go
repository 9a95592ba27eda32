// Package logging provides a process-wide structured logger used by the
// session core and its collaborators. It mirrors the call-site convention
// package-level Debug/Info/Warn/Error/Fatal helpers over a swappable
// zap.Logger, so call sites never need to thread a logger through.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// SetLogger replaces the process-wide logger, e.g. with a development or
// test-scoped configuration.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func Debug(msg string, fields ...zap.Field) {
	logger.Load().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger.Load().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger.Load().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger.Load().Error(msg, fields...)
}

// Fatal logs at fatal level and terminates the process. Reserved for core
// invariant violations (e.g. slot exhaustion on begin) that the spec treats
// as a fatal assertion rather than a recoverable protocol error.
func Fatal(msg string, fields ...zap.Field) {
	logger.Load().Fatal(msg, fields...)
}
