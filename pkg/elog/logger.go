// Package elog defines the small leveled-logging interface the cleaner and
// CLI log through, backed by logrus.
package elog

import "github.com/sirupsen/logrus"

// LogLevel mirrors logrus's level ordering.
type LogLevel uint32

const (
	ErrorLevel LogLevel = LogLevel(logrus.ErrorLevel)
	WarnLevel  LogLevel = LogLevel(logrus.WarnLevel)
	InfoLevel  LogLevel = LogLevel(logrus.InfoLevel)
	DebugLevel LogLevel = LogLevel(logrus.DebugLevel)
	TraceLevel LogLevel = LogLevel(logrus.TraceLevel)
)

// Logger is a scoped, leveled log sink. Scoped returns a child logger that
// tags every message with scope.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Finish(success bool)
	Infof(format string, args ...interface{})
	IsLogLevelEnabled(level LogLevel) bool
	Logf(level LogLevel, format string, args ...interface{})
	Scoped(scope string) Logger
	Tracef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// LogrusLogger implements Logger on top of a *logrus.Entry.
type LogrusLogger struct {
	*logrus.Entry
	finished bool
}

// New returns a root Logger writing through logger.
func New(logger *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{Entry: logrus.NewEntry(logger)}
}

func (l *LogrusLogger) IsLogLevelEnabled(level LogLevel) bool {
	return l.Entry.Logger.IsLevelEnabled(logrus.Level(level))
}

func (l *LogrusLogger) Logf(level LogLevel, format string, args ...interface{}) {
	l.Entry.Logf(logrus.Level(level), format, args...)
}

func (l *LogrusLogger) Scoped(scope string) Logger {
	return &LogrusLogger{
		Entry: l.Entry.WithField("scope", scope),
	}
}

func (l *LogrusLogger) Finish(success bool) {
	if l.finished {
		return
	}
	l.finished = true
	if success {
		l.Entry.Debug("finished")
		return
	}
	l.Entry.Warn("finished with errors")
}

var _ Logger = (*LogrusLogger)(nil)
