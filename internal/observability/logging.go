package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogOptions selects the level and encoding of a component logger.
type LogOptions struct {
	Level   zerolog.Level
	Console bool // human-readable output for local runs
	Out     io.Writer
}

// NewLogger builds a JSON logger on stdout at the level named by
// KEEPTRADE_LOG_LEVEL. Used by tools that run before config is loaded.
func NewLogger(component string) zerolog.Logger {
	return NewComponentLogger(component, LogOptions{Level: ParseLogLevel(os.Getenv("KEEPTRADE_LOG_LEVEL"))})
}

// NewComponentLogger tags every line with component.
func NewComponentLogger(component string, opts LogOptions) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMicro}
	}
	return zerolog.New(out).
		Level(opts.Level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to a zerolog level; unknown names are info.
func ParseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		if strings.EqualFold(strings.TrimSpace(s), "warning") {
			return zerolog.WarnLevel
		}
		return zerolog.InfoLevel
	}
	return lvl
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
