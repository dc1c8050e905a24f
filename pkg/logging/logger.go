// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
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

	// File, when set, receives every record at Level with size based
	// rotation. Output then only receives warnings and above.
	File string

	// MaxSizeMB is the size at which File is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Pretty:     false,
		Output:     os.Stderr,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}
}

var (
	rotatorMu sync.Mutex
	rotator   *lumberjack.Logger
)

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	if cfg.File != "" {
		file := openRotator(cfg)
		output = zerolog.MultiLevelWriter(
			file,
			&zerolog.FilteredLevelWriter{
				Writer: zerolog.LevelWriterAdapter{Writer: output},
				Level:  zerolog.WarnLevel,
			},
		)
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// openRotator replaces the active log file writer.
func openRotator(cfg Config) *lumberjack.Logger {
	rotatorMu.Lock()
	defer rotatorMu.Unlock()

	if rotator != nil {
		rotator.Close()
	}

	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 1
	}
	rotator = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    size,
		MaxBackups: cfg.MaxBackups,
	}
	return rotator
}

// Close flushes and closes the log file, if any.
func Close() error {
	rotatorMu.Lock()
	defer rotatorMu.Unlock()

	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page fetches (url, offset, item count)
//   - Lookup cache hits and misses
//   - Rate budget updates from headers
//   - Checkpoint contents on save
//
// Info: Normal operation events
//   - Window start/completion with counters
//   - Checkpoint loaded / cold start
//   - Rate limit sleep status on every wake
//   - Match run summary
//
// Warn: Warning conditions that don't prevent operation
//   - Coverage loss (window total at the search result cap)
//   - Abuse detection cooldowns
//   - Skipped items (fetch or parse failure, duplicates)
//   - Secondary lookup failures (field unavailable)
//
// Error: Error conditions requiring attention
//   - Pagination anomalies (loop, offset regression)
//   - Insert failures, store initialization failures
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package
//   - window: crawl window (YYYY-MM)
//   - url: request or page URL
//   - status: HTTP status code
//   - error_class: client, server, rate_limit, abuse, network
//   - remaining / resume_at: rate budget state
//   - repo / item_id / part_id: record identifiers
