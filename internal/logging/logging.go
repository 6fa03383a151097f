// Package logging sets up looper's structured logger: a JSON debug log in
// the plan's .looper directory plus short colored lines on the console.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"
)

// FileName is the debug log name inside the log directory.
const FileName = "debug.log"

// Options configures New.
type Options struct {
	// Dir receives debug.log. Empty disables the file sink.
	Dir string
	// Level applies to the file sink. Defaults to info.
	Level string
	// Console receives warnings and errors (everything at debug level).
	// Nil disables the console sink.
	Console io.Writer
	// RunID tags every record. Generated when empty.
	RunID string
}

// Logger is a slog.Logger bound to one run.
type Logger struct {
	*slog.Logger
	file  *os.File
	runID string
}

// New builds the fan-out logger described by opts.
func New(opts Options) (*Logger, error) {
	level := ParseLevel(opts.Level)
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}

	var handlers []slog.Handler
	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(opts.Dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}
	if opts.Console != nil {
		handlers = append(handlers, NewConsoleHandler(opts.Console, consoleLevel(level)))
	}

	var h slog.Handler = slog.DiscardHandler
	if len(handlers) > 0 {
		h = slogmulti.Fanout(handlers...)
	}

	return &Logger{
		Logger: slog.New(h).With("run_id", runID),
		file:   file,
		runID:  runID,
	}, nil
}

// RunID returns the id attached to every record.
func (l *Logger) RunID() string {
	return l.runID
}

// WithPhase returns a child logger tagged with phase.
func (l *Logger) WithPhase(phase string) *slog.Logger {
	return l.Logger.With("phase", phase)
}

// Close flushes and closes the debug log file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// NewRunID returns a fresh random run id.
func NewRunID() string {
	return uuid.NewString()
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// consoleLevel keeps the console quiet unless debugging.
func consoleLevel(level slog.Level) slog.Level {
	if level <= slog.LevelDebug {
		return slog.LevelDebug
	}
	if level < slog.LevelWarn {
		return slog.LevelWarn
	}
	return level
}
