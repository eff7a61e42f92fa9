// Package log provides a structured logging wrapper around logrus.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry per dependency injection. The root logger
// carries no fields; Component returns children tagged with the emitting
// component.
type Logger struct {
	log   *logrus.Logger
	entry *logrus.Entry
}

// New crea una nuova istanza del logger con configurazione
func New() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})

	// Default level: Info; LOG_LEVEL=trace|debug|info|warn|error overrides it.
	level, ok := parseLevel(os.Getenv("LOG_LEVEL"))
	if !ok || level < logrus.ErrorLevel {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{log: l, entry: logrus.NewEntry(l)}
}

func parseLevel(level string) (logrus.Level, bool) {
	switch level {
	case "trace":
		return logrus.TraceLevel, true
	case "debug":
		return logrus.DebugLevel, true
	case "info":
		return logrus.InfoLevel, true
	case "warn", "warning":
		return logrus.WarnLevel, true
	case "error":
		return logrus.ErrorLevel, true
	case "fatal":
		return logrus.FatalLevel, true
	case "panic":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

// SetLevel imposta il livello di log dinamicamente. Unknown names are ignored.
func (l *Logger) SetLevel(level string) {
	if lvl, ok := parseLevel(level); ok {
		l.log.SetLevel(lvl)
	}
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.log.GetLevel().String()
}

// SetOutput redirects log output, mostly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.log.SetOutput(w)
}

// AddHook registers a logrus hook on the shared root logger.
func (l *Logger) AddHook(hook logrus.Hook) {
	l.log.AddHook(hook)
}

// Component returns a child logger whose entries carry component=name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{log: l.log, entry: l.entry.WithField("component", name)}
}

// GetLogrus ritorna l'istanza logrus sottostante per usi avanzati
func (l *Logger) GetLogrus() *logrus.Logger {
	return l.log
}

// Trace logs trace-level messages
func (l *Logger) Trace(format string, v ...interface{}) {
	l.entry.Tracef(format, v...)
}

// Debug logs debug messages
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// DebugWithFields logs debug message con campi strutturati
func (l *Logger) DebugWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Debugf(format, v...)
}

// Info logs informational messages
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// InfoWithFields logs info message con campi strutturati
func (l *Logger) InfoWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Infof(format, v...)
}

// Warn logs warning messages
func (l *Logger) Warn(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// WarnWithFields logs warning message con campi strutturati
func (l *Logger) WarnWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Warnf(format, v...)
}

// Error logs error messages
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// ErrorWithFields logs error message con campi strutturati
func (l *Logger) ErrorWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry.WithFields(fields).Errorf(format, v...)
}

// Fatal logs an error message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

// WithField crea entry con un campo strutturato
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry.WithField(key, value)
}

// WithFields crea entry con campi strutturati
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry.WithFields(fields)
}
