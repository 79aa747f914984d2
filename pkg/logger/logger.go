// Package logger wraps logrus with a component-scoped logger used across the
// application. Services accept a *Logger and fall back to NewDefault when nil.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	entry *logrus.Entry
}

// NewDefault returns a logger for the named component writing to stderr.
// The level is taken from the LOG_LEVEL environment variable and defaults
// to info.
func NewDefault(component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	return &Logger{entry: base.WithField("component", component)}
}

// New returns a logger for the named component writing to out at the given
// level.
func New(component string, out io.Writer, level string) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(parseLevel(level))
	return &Logger{entry: base.WithField("component", component)}
}

func parseLevel(raw string) logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(strings.ToLower(raw)))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// WithField returns a logger with an additional structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
