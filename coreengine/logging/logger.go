// Package logging provides the slog-backed implementation of agents.Logger.
//
// Example usage:
//
//	logger, closeFn, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	logger.Info("pipeline_started", "request_id", id)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
)

// Config holds the configuration for the logger.
type Config struct {
	// Level sets the minimum log level. Valid values: debug, info, warn, error
	Level string `yaml:"level"`
	// Format sets the output format. Valid values: json, text
	Format string `yaml:"format"`
	// Output sets the output destination: stdout, stderr, or a file path
	Output string `yaml:"output"`
	// AddSource adds source code position to log records
	AddSource bool `yaml:"add_source"`
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"json", "text"}
)

// Validate checks level and format. Empty values fall back to defaults.
func (c Config) Validate() error {
	if c.Level != "" && !slices.Contains(validLevels, strings.ToLower(c.Level)) {
		return fmt.Errorf("level must be one of: %s", strings.Join(validLevels, ", "))
	}
	if c.Format != "" && !slices.Contains(validFormats, c.Format) {
		return fmt.Errorf("format must be one of: %s", strings.Join(validFormats, ", "))
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
}

// Logger adapts *slog.Logger to agents.Logger.
type Logger struct {
	inner *slog.Logger
}

var _ agents.Logger = (*Logger)(nil)

// New builds a Logger and returns a close function for file outputs.
func New(cfg Config) (*Logger, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid logging config: %w", err)
	}
	cfg.setDefaults()

	w, closeFn, err := writer(cfg.Output)
	if err != nil {
		return nil, nil, err
	}

	l, err := NewWithWriter(cfg, w)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return l, closeFn, nil
}

// NewWithWriter builds a Logger writing to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	cfg.setDefaults()

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
	return &Logger{inner: slog.New(handler)}, nil
}

// Wrap adapts an existing slog logger.
func Wrap(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{inner: l}
}

func (l *Logger) Debug(msg string, fields ...any) { l.inner.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...any)  { l.inner.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...any)  { l.inner.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...any) { l.inner.Error(msg, fields...) }

// Bind returns a child logger carrying fields on every record.
func (l *Logger) Bind(fields ...any) agents.Logger {
	return &Logger{inner: l.inner.With(fields...)}
}

// Slog exposes the underlying slog logger.
func (l *Logger) Slog() *slog.Logger { return l.inner }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writer(output string) (io.Writer, func(), error) {
	switch output {
	case "stdout":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %q: %w", output, err)
		}
		return f, func() { f.Close() }, nil
	}
}
