package roomlink

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pion/logging"
)

// pionLoggerFactory routes pion/webrtc internal logs into this module's
// logging stack, one scope per pion subsystem.
type pionLoggerFactory struct{}

func (pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLeveledLogger{logger: NewLogger("pion/" + scope)}
}

type pionLeveledLogger struct {
	logger logr.Logger
}

func (l *pionLeveledLogger) Trace(msg string) {
	l.logger.V(2).Info(msg)
}

func (l *pionLeveledLogger) Tracef(format string, args ...interface{}) {
	l.logger.V(2).Info(fmt.Sprintf(format, args...))
}

func (l *pionLeveledLogger) Debug(msg string) {
	l.logger.V(1).Info(msg)
}

func (l *pionLeveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.V(1).Info(fmt.Sprintf(format, args...))
}

func (l *pionLeveledLogger) Info(msg string) {
	l.logger.Info(msg)
}

func (l *pionLeveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *pionLeveledLogger) Warn(msg string) {
	l.logger.Info(msg, "level", "warn")
}

func (l *pionLeveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...), "level", "warn")
}

func (l *pionLeveledLogger) Error(msg string) {
	l.logger.Error(errors.New(msg), "pion error")
}

func (l *pionLeveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Errorf(format, args...), "pion error")
}
