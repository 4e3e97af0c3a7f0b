package logging

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	current.Store(&l)
}

func install(cfg Config) {
	var out io.Writer = os.Stderr
	switch {
	case cfg.Bypass:
		out = io.Discard
	case !cfg.JSON:
		out = consoleWriter(cfg, os.Stderr)
	}
	ctx := zerolog.New(out).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	l := ctx.Logger()
	current.Store(&l)
}

// consoleWriter drops the time column when events carry no timestamp.
func consoleWriter(cfg Config, out io.Writer) zerolog.ConsoleWriter {
	w := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		w.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	return w
}

// Logger returns the process logger for structured call sites such as HTTP middleware.
func Logger() zerolog.Logger {
	return *current.Load()
}

func Tracef(format string, args ...any) { current.Load().Trace().Msgf(format, args...) }
func Debugf(format string, args ...any) { current.Load().Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { current.Load().Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { current.Load().Warn().Msgf(format, args...) }
func Errf(format string, args ...any)   { current.Load().Error().Msgf(format, args...) }

// Logf writes at the no-level tier so it is emitted regardless of the configured level.
func Logf(format string, args ...any) { current.Load().Log().Msgf(format, args...) }
