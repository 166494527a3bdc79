// Package logging configures the process logger. Chat output goes straight
// to the terminal; this logger carries the operational side (provisioning,
// deploy, teardown) and stays quiet unless asked.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Mode controls the handler style.
type Mode int

const (
	// ModeCLI renders terse single-line records for a terminal.
	ModeCLI Mode = iota
	// ModeJSON renders records as JSON, for non-interactive use.
	ModeJSON
)

// New constructs a logger for w. A nil level means warnings and up, which
// keeps the chat view clean; verbose runs pass slog.LevelDebug.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if level == nil {
		level = slog.LevelWarn
	}
	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&cliHandler{w: w, level: level})
}

// Setup installs the logger as the process default and returns it.
func Setup(mode Mode, w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := New(mode, w, level)
	slog.SetDefault(logger)
	return logger
}

// cliHandler emits "LEVEL message key=value" lines. Timestamps are noise in
// an interactive session; JSON mode has them for everything else.
type cliHandler struct {
	w     io.Writer
	level slog.Leveler

	mu    sync.Mutex
	attrs []slog.Attr
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteByte(' ')
	b.WriteString(record.Message)
	for _, attr := range h.attrs {
		appendAttr(&b, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&b, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &cliHandler{w: h.w, level: h.level, attrs: merged}
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	// Groups flatten; this handler serves one process, not a log pipeline.
	return h
}

func appendAttr(b *strings.Builder, attr slog.Attr) {
	v := attr.Value.Resolve()
	b.WriteByte(' ')
	b.WriteString(attr.Key)
	b.WriteByte('=')
	if err, ok := v.Any().(error); ok && err != nil {
		b.WriteString(err.Error())
		return
	}
	fmt.Fprint(b, v)
}
