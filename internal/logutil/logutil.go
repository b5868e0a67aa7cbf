package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var jsonMode atomic.Bool

func init() {
	if os.Getenv("SWARM_TOKEN_LOG_JSON") == "1" || os.Getenv("SWARM_TOKEN_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// SetJSON forces JSON output for loggers created afterwards.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New returns a logger writing to w. format is "json" or "console"; an empty
// format falls back to the process default (SWARM_TOKEN_LOG_FORMAT).
func New(w io.Writer, format, level string) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	useJSON := jsonMode.Load()
	switch strings.ToLower(format) {
	case "":
	case "json":
		useJSON = true
	case "console", "text":
		useJSON = false
	default:
		return zerolog.Nop(), fmt.Errorf("logutil: unknown log format %q", format)
	}
	if !useJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Default returns an info-level logger on stderr using the process default format.
func Default() zerolog.Logger {
	l, _ := New(os.Stderr, "", "info")
	return l
}

// ParseLevel maps a level name to a zerolog level; empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("logutil: unknown log level %q", level)
	}
}

// Component tags l with a component field.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
