// Package logging builds the zerolog logger shared by the server and the CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "GOHUB_LOG_LEVEL"

// Options configures the logger.
type Options struct {
	// App is attached to every entry.
	App string

	// Level is one of trace, debug, info, warn, error or disabled.
	Level string

	// JSON writes one JSON object per entry instead of console output.
	JSON bool

	// Out defaults to stdout.
	Out io.Writer
}

// New creates the logger described by opts, applies the GOHUB_LOG_LEVEL
// override and installs it as the global zerolog logger.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level, ok := ParseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		level, _ = ParseLevel(opts.Level)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// levelAliases are the names accepted on top of zerolog's own.
var levelAliases = map[string]zerolog.Level{
	"warning": zerolog.WarnLevel,
	"off":     zerolog.Disabled,
	"none":    zerolog.Disabled,
}

// ParseLevel maps a level name to a zerolog level. Unknown or empty names
// yield info and false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if level, ok := levelAliases[name]; ok {
		return level, true
	}
	if name == "" {
		return zerolog.InfoLevel, false
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel, false
	}
	return level, true
}
