package logx

import (
	"io"
	"os"
	"strings"

	"github.com/chat-relay/server/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultLoggerOpts = &LoggerOpts{
	Environment: core.Development,
}

type LoggerOpts struct {
	Environment core.Environment
	// Level overrides the environment default when it parses as a zerolog level.
	Level string
	// Output defaults to stderr for console logs and stdout for JSON logs.
	Output io.Writer
}

func safe(opts ...LoggerOpts) *LoggerOpts {
	if len(opts) == 0 {
		return DefaultLoggerOpts
	}
	return &opts[0]
}

func Init(opts ...LoggerOpts) {
	o := safe(opts...)

	level := zerolog.DebugLevel
	if o.Environment == core.Production {
		out := o.Output
		if out == nil {
			out = os.Stdout
		}
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		level = zerolog.InfoLevel
	} else {
		out := o.Output
		if out == nil {
			out = os.Stderr
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Caller().Logger()
	}

	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(o.Level))); err == nil && o.Level != "" {
		level = lvl
	}
	log.Logger = log.Logger.Level(level)
}

// Logger returns the process logger, for middleware that needs a value.
func Logger() zerolog.Logger {
	return log.Logger
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Panic() *zerolog.Event {
	return log.Panic()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}

// Truncate shortens s to at most n runes for log fields.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
