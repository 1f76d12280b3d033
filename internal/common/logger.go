package common

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Severity represents log message severity levels
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps a level name as accepted by logrus onto a Severity.
func ParseSeverity(name string) (Severity, error) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return SeverityInfo, err
	}
	switch {
	case lvl >= logrus.DebugLevel:
		return SeverityDebug, nil
	case lvl == logrus.InfoLevel:
		return SeverityInfo, nil
	case lvl == logrus.WarnLevel:
		return SeverityWarning, nil
	default:
		return SeverityError, nil
	}
}

// Logger interface defines the logging contract for the decoder
type Logger interface {
	// Log logs a message with the specified severity
	Log(severity Severity, msg string)

	// Logf logs a formatted message with the specified severity
	Logf(severity Severity, format string, args ...interface{})

	// Error logs an error
	Error(err error)

	// Debug logs a debug message
	Debug(msg string)

	// Info logs an info message
	Info(msg string)

	// Warning logs a warning message
	Warning(msg string)
}

// LogrusLogger implements the Logger interface on top of a logrus entry.
// The component name is attached to every record as the "prefix" field, which
// the prefixed text formatter renders in front of the message.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps an existing logrus logger.
func NewLogrusLogger(l *logrus.Logger, component string) *LogrusLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	entry := logrus.NewEntry(l)
	if component != "" {
		entry = entry.WithField("prefix", component)
	}
	return &LogrusLogger{entry: entry}
}

// NewLogrusLoggerWithWriter creates a logger writing text records to w.
func NewLogrusLoggerWithWriter(w io.Writer, minLevel Severity, component string) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(severityToLevel(minLevel))
	return NewLogrusLogger(l, component)
}

// Named returns a logger for a sub component sharing the same output.
func (l *LogrusLogger) Named(component string) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField("prefix", component)}
}

func severityToLevel(s Severity) logrus.Level {
	switch s {
	case SeverityDebug:
		return logrus.DebugLevel
	case SeverityInfo:
		return logrus.InfoLevel
	case SeverityWarning:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// Log logs a message with the specified severity
func (l *LogrusLogger) Log(severity Severity, msg string) {
	l.entry.Log(severityToLevel(severity), msg)
}

// Logf logs a formatted message with the specified severity
func (l *LogrusLogger) Logf(severity Severity, format string, args ...interface{}) {
	lvl := severityToLevel(severity)
	if !l.entry.Logger.IsLevelEnabled(lvl) {
		return
	}
	l.entry.Log(lvl, fmt.Sprintf(format, args...))
}

// Error logs an error
func (l *LogrusLogger) Error(err error) {
	if err != nil {
		l.entry.WithError(err).Error(err.Error())
	}
}

// Debug logs a debug message
func (l *LogrusLogger) Debug(msg string) {
	l.Log(SeverityDebug, msg)
}

// Info logs an info message
func (l *LogrusLogger) Info(msg string) {
	l.Log(SeverityInfo, msg)
}

// Warning logs a warning message
func (l *LogrusLogger) Warning(msg string) {
	l.Log(SeverityWarning, msg)
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-op logger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Log does nothing
func (l *NoOpLogger) Log(severity Severity, msg string) {}

// Logf does nothing
func (l *NoOpLogger) Logf(severity Severity, format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(err error) {}

// Debug does nothing
func (l *NoOpLogger) Debug(msg string) {}

// Info does nothing
func (l *NoOpLogger) Info(msg string) {}

// Warning does nothing
func (l *NoOpLogger) Warning(msg string) {}
