package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a structured logger bound to a component name.
// Fields are passed either as alternating key/value pairs or as a single
// map[string]interface{}.
type Logger struct {
	entry     *logrus.Entry
	base      *logrus.Logger
	component string
}

// NewLogger creates a JSON logger writing to stderr at the given level
func NewLogger(level, component string) *Logger {
	return NewLoggerWithWriter(level, component, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w
func NewLoggerWithWriter(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}

	return &Logger{entry: entry, base: base, component: component}
}

// WithComponent returns a child logger sharing the output and level under
// another component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry:     l.entry.WithField("component", component),
		base:      l.base,
		component: component,
	}
}

// SetLevel changes the active level; unknown values fall back to info
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// GetLevel returns the active level name
func (l *Logger) GetLevel() string {
	return l.base.GetLevel().String()
}

// With returns a child logger carrying the given fields
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{
		entry:     l.entry.WithFields(toFields(fields)),
		base:      l.base,
		component: l.component,
	}
}

func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Trace(msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// LogVerbose logs an event at trace level
func (l *Logger) LogVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Trace(event)
}

// LogDebugVerbose logs an event at debug level
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Debug(event)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}

	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			fields[key] = "(missing)"
			break
		}
		if err, ok := kv[i+1].(error); ok {
			fields[key] = err.Error()
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}
