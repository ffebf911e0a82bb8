// Package logging provides the zerolog-based logger shared by all
// bowlingMate components.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string
	// Format is the output format: json or console.
	Format string
	// Output overrides the log destination. Default: os.Stderr.
	Output io.Writer
}

var (
	mu     sync.Mutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init configures the global logger. Safe to call more than once; the
// last call wins.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a logger tagged with a component name, e.g. "scan"
// or "coach".
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger.With().Str("component", name).Logger()
}

// Debug starts a debug-level event on the global logger.
func Debug() *zerolog.Event { return logger.Debug() }

// Info starts an info-level event on the global logger.
func Info() *zerolog.Event { return logger.Info() }

// Warn starts a warn-level event on the global logger.
func Warn() *zerolog.Event { return logger.Warn() }

// Error starts an error-level event on the global logger.
func Error() *zerolog.Event { return logger.Error() }
