// Package logging wires log/slog for the node. Packages keep a
// component logger from For and never touch the global default directly.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

var level = new(slog.LevelVar)

// Init configures the global slog logger. Call once at startup.
// levelStr: "debug", "info", "warn", "error" (default: "info").
// format: "text", "json" or "auto" (default: "auto"). Auto writes text to
// a terminal and JSON otherwise.
func Init(levelStr, format string) {
	parseLevel(levelStr)
	slog.SetDefault(slog.New(newHandler(os.Stderr, format, isTerminal(os.Stderr))))
}

func newHandler(w io.Writer, format string, tty bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	}
	if tty {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// For returns a logger tagged with the given component name.
// The logger resolves slog.Default() on every call, so package-level
// loggers follow CaptureForTest and later Init calls.
func For(component string) *slog.Logger {
	return slog.New(&dynamicHandler{attrs: []slog.Attr{slog.String("component", component)}})
}

// SetLevel changes the log level at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel reports whether s names a level Init understands.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func parseLevel(s string) {
	l, _ := ParseLevel(s)
	level.Set(l)
}

// dynamicHandler delegates to slog.Default().Handler() at log time.
// Attributes added with With are kept and replayed on each record;
// groups are flattened.
type dynamicHandler struct {
	attrs []slog.Attr
}

func (h *dynamicHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.attrs...)
	return slog.Default().Handler().Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &dynamicHandler{attrs: merged}
}

func (h *dynamicHandler) WithGroup(string) slog.Handler {
	return h
}
