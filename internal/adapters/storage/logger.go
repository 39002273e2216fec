package storage

import (
	"fmt"
	"log/slog"
	"strings"
)

// badgerLogger routes badger's printf logging into slog. Info is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With("component", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(trimMessage(format, args))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(trimMessage(format, args))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(trimMessage(format, args))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(trimMessage(format, args))
}

func trimMessage(format string, args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
