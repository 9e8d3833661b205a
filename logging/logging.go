// Package logging builds zerolog loggers and adapts them to outbox.Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/velmie/offline-outbox"
)

// Format selects the log encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
	// FormatConsole writes human readable lines.
	FormatConsole Format = "console"
)

// Config describes a process logger.
type Config struct {
	Level   string
	Format  Format
	Output  io.Writer
	Service string
	NoColor bool
}

// ParseLevel maps a level name to zerolog. Unknown or empty names yield info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New builds a timestamped zerolog logger.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}

	ctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}

	return ctx.Logger()
}

// Logger implements outbox.Logger on top of zerolog.
type Logger struct {
	zl zerolog.Logger
}

var _ outbox.Logger = Logger{}

// Adapt wraps zl.
func Adapt(zl zerolog.Logger) Logger {
	return Logger{zl: zl}
}

// Debug implements outbox.Logger.
func (l Logger) Debug(msg string, args ...any) {
	write(l.zl.Debug(), msg, args)
}

// Info implements outbox.Logger.
func (l Logger) Info(msg string, args ...any) {
	write(l.zl.Info(), msg, args)
}

// Warn implements outbox.Logger.
func (l Logger) Warn(msg string, args ...any) {
	write(l.zl.Warn(), msg, args)
}

// Error implements outbox.Logger.
func (l Logger) Error(msg string, args ...any) {
	write(l.zl.Error(), msg, args)
}

// write appends alternating key/value args. A trailing key without a value is
// logged as "<missing>".
func write(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		var val any = "<missing>"
		if i+1 < len(args) {
			val = args[i+1]
		}

		switch v := val.(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
