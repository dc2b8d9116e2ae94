// Package log provides structured logging for warden built on log/slog.
// Output fans out to stderr and, when a log directory is configured, to a
// daily-rotated JSONL file. Credential values must never be logged; use
// Redact for anything token-shaped.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

var logger *slog.Logger
var fileWriter *FileWriter

// Options configures the logger.
type Options struct {
	// Debug enables debug-level output.
	Debug bool
	// JSONFormat uses JSON output format for stderr.
	JSONFormat bool
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// RetentionDays is how many days to keep log files (0 = no cleanup).
	RetentionDays int
	// Stderr is the writer for stderr output (defaults to os.Stderr).
	Stderr io.Writer
}

// Init initializes the global logger with the given options.
//
// When stderr is a terminal and debug is off, only warnings and errors are
// emitted there; the file handler always records all levels. The proxies
// announce their port on stdout, so nothing here may ever write to stdout.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var handlers []slog.Handler

	stderrLevel := slog.LevelWarn
	if opts.Debug {
		stderrLevel = slog.LevelDebug
	} else if f, ok := stderr.(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
		// Non-interactive stderr (captured by an orchestrator): include info.
		stderrLevel = slog.LevelInfo
	}

	stderrOpts := &slog.HandlerOptions{Level: stderrLevel}
	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, stderrOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, stderrOpts))
	}

	if opts.LogDir != "" {
		if opts.RetentionDays > 0 {
			Cleanup(opts.LogDir, opts.RetentionDays)
		}

		fw, err := NewFileWriter(opts.LogDir)
		if err != nil {
			return err
		}
		fileWriter = fw

		handlers = append(handlers, slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	slog.SetDefault(logger)
	return nil
}

// Close closes the file writer if one was created.
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// SetOutput sets the output writer (for testing).
func SetOutput(w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// Redact returns the first few characters of a sensitive value followed by
// an ellipsis. Safe to log; never log the raw value.
func Redact(value string) string {
	const show = 8
	if value == "" {
		return "<empty>"
	}
	if len(value) <= show {
		return value
	}
	return value[:show] + "..."
}

func init() {
	// Default logger until Init is called.
	logger = slog.Default()
}
