// Package observability provides the logging and metrics seams shared by
// every component of the memory service.
package observability

import (
	"fmt"
	"log"
	"os"
	"time"
)

// LogLevel identifies the severity of a log message.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger is the structured logging interface used across the service.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// StandardLogger writes through the standard log package with a
// timestamp/level/prefix header and key=value fields.
type StandardLogger struct {
	prefix string
	level  LogLevel
	fields map[string]interface{}
}

// NewStandardLogger creates a logger with the given component prefix.
func NewStandardLogger(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: LogLevelInfo}
}

// NewStandardLoggerWithLevel creates a logger with an explicit minimum level.
func NewStandardLoggerWithLevel(prefix string, level LogLevel) Logger {
	return &StandardLogger{prefix: prefix, level: level}
}

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

func (l *StandardLogger) enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	fieldsStr := ""
	for k, v := range l.fields {
		fieldsStr += fmt.Sprintf(" %s=%v", k, v)
	}
	for k, v := range fields {
		fieldsStr += fmt.Sprintf(" %s=%v", k, v)
	}
	log.Printf("%s [%s] [%s] %s%s", ts, level, l.prefix, msg, fieldsStr)
	if level == LogLevelFatal {
		os.Exit(1)
	}
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, fields)
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, fields)
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, msg, fields)
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.log(LogLevelFatal, msg, fields)
}

func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	l.log(LogLevelDebug, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Infof(format string, args ...interface{}) {
	l.log(LogLevelInfo, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	l.log(LogLevelWarn, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.log(LogLevelError, fmt.Sprintf(format, args...), nil)
}

// WithPrefix returns a logger with a nested component prefix.
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: l.prefix + "." + prefix, level: l.level, fields: l.fields}
}

// With returns a logger that attaches the given fields to every message.
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, fields: merged}
}

// NoopLogger discards everything. Used in tests and as a nil-safe default.
type NoopLogger struct{}

// NewNoopLogger returns a logger that discards all messages.
func NewNoopLogger() Logger { return &NoopLogger{} }

func (n *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (n *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}
func (n *NoopLogger) Debugf(format string, args ...interface{})       {}
func (n *NoopLogger) Infof(format string, args ...interface{})        {}
func (n *NoopLogger) Warnf(format string, args ...interface{})        {}
func (n *NoopLogger) Errorf(format string, args ...interface{})       {}
func (n *NoopLogger) WithPrefix(prefix string) Logger                 { return n }
func (n *NoopLogger) With(fields map[string]interface{}) Logger       { return n }
