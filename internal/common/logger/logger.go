// Package logger provides a thin structured-logging wrapper shared by every
// service in this repository.
package logger

import (
	"go.uber.org/zap"
)

// Logger wraps a zap SugaredLogger with the service name attached as a
// field on every entry.
type Logger struct {
	*zap.SugaredLogger
}

// New builds a production-configured logger tagged with the given service
// name.
func New(serviceName string) *Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	return &Logger{SugaredLogger: zl.Sugar().With("service", serviceName)}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}
