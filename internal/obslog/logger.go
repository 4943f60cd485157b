// Package obslog provides the structured logger used across the
// orchestration core: one slog.Logger per component, JSON or text
// encoded, level-gated at construction time.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config mirrors the teacher's LogConfig{Level,Format,Output} shape.
type Config struct {
	Level  string // debug | info | warn | error
	Format string // json | text
	Output io.Writer
}

// Logger is the handle every component depends on. It satisfies
// async.PanicLogger via Error.
type Logger struct {
	slog *slog.Logger
	name string
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New builds a root logger per cfg. An empty Output defaults to os.Stderr.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level)}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return &Logger{slog: slog.New(handler)}
}

// Component returns a child logger tagged with a "component" attribute,
// matching the teacher's NewComponentLogger convention.
func (l *Logger) Component(name string) *Logger {
	return &Logger{slog: l.slog.With("component", name), name: name}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }

// Error implements async.PanicLogger's printf-style signature; format is
// logged verbatim as the message and args are attached, unformatted, as
// a single "args" attribute.
func (l *Logger) Error(format string, args ...any) {
	l.slog.Error(format, "args", args)
}

// ErrorCtx logs at error level with an explicit error value and context,
// the convention used by request-scoped orchestrator code.
func (l *Logger) ErrorCtx(ctx context.Context, msg string, err error, kv ...any) {
	attrs := append([]any{"error", err}, kv...)
	l.slog.ErrorContext(ctx, msg, attrs...)
}

func (l *Logger) InfoCtx(ctx context.Context, msg string, kv ...any) {
	l.slog.InfoContext(ctx, msg, kv...)
}

func (l *Logger) WarnCtx(ctx context.Context, msg string, kv ...any) {
	l.slog.WarnContext(ctx, msg, kv...)
}

// Nop returns a logger that discards everything; used in tests that do
// not care about log output.
func Nop() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
