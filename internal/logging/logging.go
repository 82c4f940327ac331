// Package logging builds the zerolog loggers used across framegrab.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	envLevel     = "FRAMEGRAB_LOG_LEVEL"
	envFormat    = "FRAMEGRAB_LOG_FORMAT"
	envDebug     = "FRAMEGRAB_DEBUG"
	envDebugFile = "FRAMEGRAB_DEBUG_FILE"
)

// Config holds logging configuration.
type Config struct {
	Level      zerolog.Level
	Format     string // "json" or "console"
	TimeFormat string
	// Output defaults to stderr.
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:      zerolog.InfoLevel,
		Format:     "console",
		TimeFormat: time.RFC3339,
	}
}

// New creates a logger for cfg. FRAMEGRAB_DEBUG=1 forces debug level and
// FRAMEGRAB_DEBUG_FILE copies every line to that file.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: cfg.TimeFormat}
	}
	if w := debugOutput.writer(); w != nil {
		out = zerolog.MultiLevelWriter(out, w)
	}

	level := cfg.Level
	if debugEnabled() && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewFromEnv creates a logger from FRAMEGRAB_LOG_LEVEL (trace, debug, info,
// warn, error) and FRAMEGRAB_LOG_FORMAT (json, console).
func NewFromEnv() zerolog.Logger {
	cfg := DefaultConfig()
	if lvl, err := ParseLevel(os.Getenv(envLevel)); err == nil {
		cfg.Level = lvl
	}
	if format := strings.TrimSpace(os.Getenv(envFormat)); format == "json" || format == "console" {
		cfg.Format = format
	}
	return New(cfg)
}

// ParseLevel accepts zerolog level names. An empty string is info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

func debugEnabled() bool {
	return strings.TrimSpace(os.Getenv(envDebug)) == "1"
}

// debugSink opens FRAMEGRAB_DEBUG_FILE at most once; every logger shares
// the handle for the life of the process.
type debugSink struct {
	once sync.Once
	w    io.Writer
}

var debugOutput = &debugSink{}

func (s *debugSink) writer() io.Writer {
	s.once.Do(func() {
		p := strings.TrimSpace(os.Getenv(envDebugFile))
		if p == "" {
			return
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "framegrab debug log open failed: %v\n", err)
			return
		}
		s.w = f
	})
	return s.w
}

// FromContext returns the logger carried by ctx, or a disabled one.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// WithComponent attaches a child logger tagged with component.
func WithComponent(ctx context.Context, component string) context.Context {
	logger := FromContext(ctx).With().Str("component", component).Logger()
	return WithContext(ctx, logger)
}
