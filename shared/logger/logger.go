// Package logger builds the slog handler both services share: tinted
// console output for interactive runs, JSON for everything else, with
// optional file-backed output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger settings.
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // console or json
	Output       string // stdout, stderr, or a file path
	EnableSource bool
	TimeFormat   string // console timestamp layout
}

// Logger wraps slog.Logger and owns the log file when output is
// file-backed.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a logger from config. Unknown levels fall back to info and
// unknown formats to JSON.
func New(cfg *Config) (*Logger, error) {
	writer, file, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	level := parseLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "console", "":
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  cfg.EnableSource,
			TimeFormat: timeFormat,
			NoColor:    file != nil, // no escape codes in log files
		})
	default:
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.EnableSource,
		})
	}

	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// NewDefault returns a console logger at info level, for tools and tests
// that skip config loading.
func NewDefault() *Logger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	})
	return &Logger{Logger: slog.New(handler)}
}

// Close releases the log file. It is a no-op for stdout and stderr output.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// With returns a logger carrying additional key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), file: l.file}
}

// WithGroup returns a logger namespacing subsequent attributes.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name), file: l.file}
}

func openOutput(output string) (io.Writer, *os.File, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
