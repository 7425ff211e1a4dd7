// Package logging provides structured JSON logging for orchestration
// sessions on top of log/slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

const logFileName = "txflow.log"

// Logger is a slog-backed logger carrying persistent attributes such as the
// session id and step index. It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	file   *os.File
	mu     *sync.Mutex
	attrs  []slog.Attr
}

// NewLogger creates a Logger writing JSON lines to {dir}/txflow.log. An empty
// dir writes to stderr.
func NewLogger(dir, level string) (*Logger, error) {
	if strings.TrimSpace(dir) == "" {
		return NewWriterLogger(os.Stderr, level), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := NewWriterLogger(file, level)
	l.file = file
	return l, nil
}

// NewWriterLogger creates a Logger that writes JSON lines to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{
		logger: slog.New(handler),
		mu:     &sync.Mutex{},
	}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return NewWriterLogger(io.Discard, LevelError)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level names a supported log level.
func ValidLevel(level string) bool {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	default:
		return false
	}
}

// WithSession returns a child logger tagged with the session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.withAttrs(slog.String("session_id", sessionID))
}

// WithStep returns a child logger tagged with the step index and kind.
func (l *Logger) WithStep(index int, kind string) *Logger {
	return l.withAttrs(slog.Int("step_index", index), slog.String("step_kind", kind))
}

// With returns a child logger with alternating key/value attributes.
func (l *Logger) With(args ...any) *Logger {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return l.withAttrs(attrs...)
}

func (l *Logger) withAttrs(extra ...slog.Attr) *Logger {
	if len(extra) == 0 {
		return l
	}
	attrs := make([]slog.Attr, 0, len(l.attrs)+len(extra))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, extra...)
	return &Logger{logger: l.logger, file: l.file, mu: l.mu, attrs: attrs}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	all := make([]any, 0, len(l.attrs)+len(args))
	for _, attr := range l.attrs {
		all = append(all, attr)
	}
	all = append(all, args...)
	l.logger.Log(context.Background(), level, msg, all...)
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.mu == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.file = nil
	return nil
}
