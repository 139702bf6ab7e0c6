package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger writes one JSON line per action. The action doubles as the message.
type Logger struct {
	zl      zerolog.Logger
	service string
}

func New(service string) *Logger { return NewWithWriter(service, os.Stdout) }

func NewWithWriter(service string, w io.Writer) *Logger {
	zl := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Str("hostname", hostname()).
		Logger()
	return &Logger{zl: zl, service: service}
}

// Nop discards everything.
func Nop() *Logger { return &Logger{zl: zerolog.Nop()} }

// With returns a child logger for a sub-component, e.g. "ledger.gateway".
func (l *Logger) With(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger(), service: l.service}
}

func (l *Logger) log(ev *zerolog.Event, action string, fields map[string]any) {
	ev.Str("action", action).Fields(fields).Msg(action)
}

func (l *Logger) Info(action string, fields map[string]any)  { l.log(l.zl.Info(), action, fields) }
func (l *Logger) Debug(action string, fields map[string]any) { l.log(l.zl.Debug(), action, fields) }
func (l *Logger) Warn(action string, fields map[string]any)  { l.log(l.zl.Warn(), action, fields) }
func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.log(l.zl.Error().Err(err), action, fields)
}

func hostname() string { h, _ := os.Hostname(); return h }
