// Package logger provides component-tagged structured logging on top of
// zerolog. Every call names the component that produced the line so output
// from the manager, the transport and the dashboard can be told apart.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu   sync.RWMutex
	base = newLogger(os.Stderr)
)

func newLogger(w io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// SetOutput redirects all log output. Used by tests and by the console,
// which needs log lines to stay out of the prompt.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	lvl := base.GetLevel()
	base = newLogger(w).Level(lvl)
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(toZerolog(level))
}

// ParseLevel maps a config string to a level. Unknown values fall back to INFO.
func ParseLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Sub returns a child zerolog logger for libraries that take one directly.
func Sub(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

func logMessage(level zerolog.Level, component, message string, fields map[string]interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()

	evt := l.WithLevel(level)
	if evt == nil {
		return
	}
	if component != "" {
		evt = evt.Str("component", component)
	}
	if len(fields) > 0 {
		evt = evt.Fields(fields)
	}
	evt.Msg(message)
}

func Debug(message string) {
	logMessage(zerolog.DebugLevel, "", message, nil)
}

func Info(message string) {
	logMessage(zerolog.InfoLevel, "", message, nil)
}

func Warn(message string) {
	logMessage(zerolog.WarnLevel, "", message, nil)
}

func Error(message string) {
	logMessage(zerolog.ErrorLevel, "", message, nil)
}

func DebugC(component, message string) {
	logMessage(zerolog.DebugLevel, component, message, nil)
}

func InfoC(component, message string) {
	logMessage(zerolog.InfoLevel, component, message, nil)
}

func WarnC(component, message string) {
	logMessage(zerolog.WarnLevel, component, message, nil)
}

func ErrorC(component, message string) {
	logMessage(zerolog.ErrorLevel, component, message, nil)
}

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(zerolog.DebugLevel, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(zerolog.InfoLevel, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(zerolog.WarnLevel, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(zerolog.ErrorLevel, component, message, fields)
}
