package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Logger provides structured logging with error codes
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	// With returns a logger that adds args to every record.
	With(args ...any) Logger
	Close() error
}

// Config holds logger configuration
type Config struct {
	// FilePath is an optional log file written in addition to Output.
	FilePath string
	Verbose  bool
	// Format is "text" (default) or "json".
	Format string
	// Output defaults to stdout.
	Output io.Writer
}

const timeFormat = "2006-01-02 15:04:05.000"

// sink is shared by a logger and every logger derived from it with With.
type sink struct {
	mu   sync.Mutex
	file *os.File
}

type logger struct {
	slog    *slog.Logger
	sink    *sink
	verbose bool
}

// New creates a new logger writing to Output and, if set, FilePath
func New(cfg Config) (Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	s := &sink{}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.file = file
		out = io.MultiWriter(out, file)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(timeFormat))
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		if s.file != nil {
			s.file.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return &logger{
		slog:    slog.New(handler),
		sink:    s,
		verbose: cfg.Verbose,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &logger{
		slog: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		sink: &sink{},
	}
}

// Info logs informational messages
func (l *logger) Info(msg string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.slog.Info(msg, args...)
}

// Debug logs debug messages (only when verbose is enabled)
func (l *logger) Debug(msg string, args ...any) {
	if !l.verbose {
		return
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.slog.Debug(msg, args...)
}

// Warn logs warning messages
func (l *logger) Warn(msg string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.slog.Warn(msg, args...)
}

// Error logs error messages with error codes
func (l *logger) Error(msg string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.slog.Error(msg, args...)
}

func (l *logger) With(args ...any) Logger {
	return &logger{
		slog:    l.slog.With(args...),
		sink:    l.sink,
		verbose: l.verbose,
	}
}

// Close closes the log file. Derived loggers share it.
func (l *logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file != nil {
		err := l.sink.file.Close()
		l.sink.file = nil
		return err
	}
	return nil
}
