// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
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

// New builds a timestamped logger for cfg. Unlike zerolog's global setup it
// leaves package-level state alone, so several loggers can coexist in one
// process (and in tests).
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "2006-01-02 15:04:05"}
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// ParseLevel converts a LogLevel to a zerolog.Level. An empty level means
// info.
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", level)
	}
}

// Component derives a logger tagged with the given component name.
func Component(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithRun tags every entry of base with the run id.
func WithRun(base zerolog.Logger, runID string) zerolog.Logger {
	return base.With().Str("run_id", runID).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss)
//   - Per-page feature counts
//   - Token exchange success
//
// Info: Normal operation events
//   - Search start, "Found N products", result list location
//   - Output directory creation
//   - Per-product download with path and elapsed time
//
// Warn: Warning conditions that don't prevent operation
//   - Duplicate products collapsed
//   - Pre-existing output directory
//   - Retry attempts
//   - Cache and ledger errors
//
// Error: Error conditions requiring attention
//   - Rejected token requests
//   - Failed search pages
//   - Downloads that exhausted their retries
//
// Context Fields:
//   - component: search, download, auth, catalogue-client
//   - run_id: identifier shared by every entry of one invocation
//   - page: search page number
//   - url: download URL without query string
//   - title: product title
//   - path: archive or result list path
//   - elapsed: download wall time
//   - attempt: 1-based attempt number
//   - error_class: client, auth, server, network
