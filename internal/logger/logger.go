// Package logger wraps zerolog with a per-component event helper and a
// verbosity gate for progress messages.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Fields carries structured key/value pairs for one event.
type Fields map[string]interface{}

// Logger writes leveled events tagged with a component name.
type Logger struct {
	logger    zerolog.Logger
	component string
	verbosity int
}

// New returns a JSON logger writing to w. Progress messages logged with Log
// are emitted only when their level is at most verbosity.
func New(w io.Writer, verbosity int) *Logger {
	l := zerolog.New(w).
		Level(levelFor(verbosity)).
		With().
		Timestamp().
		Logger()
	return &Logger{logger: l, component: "detect", verbosity: verbosity}
}

// NewConsole returns a human readable logger on stdout.
func NewConsole(verbosity int) *Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stdout}, verbosity)
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop(), component: "detect"}
}

func levelFor(verbosity int) zerolog.Level {
	switch {
	case verbosity >= 3:
		return zerolog.TraceLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a logger for another component sharing the same sink.
func (l *Logger) With(component string) *Logger {
	return &Logger{logger: l.logger, component: component, verbosity: l.verbosity}
}

// Log emits a formatted progress message if level <= verbosity.
func (l *Logger) Log(level int, format string, args ...interface{}) {
	if level > l.verbosity {
		return
	}
	var event *zerolog.Event
	switch {
	case level >= 3:
		event = l.logger.Trace()
	case level == 2:
		event = l.logger.Debug()
	default:
		event = l.logger.Info()
	}
	event.Str("component", l.component).Msgf(format, args...)
}

func (l *Logger) Debug(msg string, fields Fields) {
	emit(l.logger.Debug().Str("component", l.component), fields).Msg(msg)
}

func (l *Logger) Info(msg string, fields Fields) {
	emit(l.logger.Info().Str("component", l.component), fields).Msg(msg)
}

func (l *Logger) Warning(msg string, fields Fields) {
	emit(l.logger.Warn().Str("component", l.component), fields).Msg(msg)
}

func (l *Logger) Error(msg string, err error, fields Fields) {
	emit(l.logger.Error().Str("component", l.component).Err(err), fields).Msg(msg)
}

func emit(event *zerolog.Event, fields Fields) *zerolog.Event {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}
