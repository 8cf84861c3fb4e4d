// Package logging configures the zerolog logger used by every component.
// Components never touch global logger state on import; the CLI calls
// Setup once and hands the returned logger down.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup builds the root logger for a run. The level is applied to the
// returned logger only.
func Setup(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.DateTime}
	}

	return zerolog.New(output).
		Level(ParseLevel(string(cfg.Level))).
		With().
		Timestamp().
		Str("service", "cve-fetcher").
		Logger()
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a logger tagged with the component name.
func Component(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request flow
//   - Lookup issued / completed with status and duration
//   - Worker exit with processed count
//
// Info: run lifecycle
//   - Configuration loaded, batch start, progress lines, batch complete
//   - Lookup succeeded after a retry
//
// Warn: recoverable conditions
//   - 429 responses and the backoff applied
//   - Non-2xx responses (status, class, truncated body)
//   - Duplicate identifiers, progress observer failures
//
// Error: an identifier ends up absent or the run cannot start
//   - Transport failures, malformed records, retries exhausted
//   - Configuration errors, unreadable input files
//
// Context Fields:
//   - cve_id: identifier being looked up
//   - status: HTTP status code
//   - error_class: network, rate_limit, client, server, parse
//   - attempt / max_attempts / backoff: retry state
//   - fetched / total / progress_pct: batch progress
