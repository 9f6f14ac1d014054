package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the JSON stdout logger for one bridge component.
// The level comes from BRIDGE_LOG_LEVEL and defaults to info; every
// line carries the component name.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("BRIDGE_LOG_LEVEL")))
}

// NewLoggerWithLevel builds the same logger with an explicit level,
// bypassing the environment. Tests and one-off tools use it.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
