package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	debugColor = color.New(color.Faint)
	infoColor  = color.New(color.FgCyan)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	keyColor   = color.New(color.Faint)
)

// ConsoleHandler writes "[LEVEL] message key=value" lines.
type ConsoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewConsoleHandler returns a handler writing records at or above level to w.
func NewConsoleHandler(w io.Writer, level slog.Leveler) *ConsoleHandler {
	return &ConsoleHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(levelTag(r.Level))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	write := func(a slog.Attr) {
		a.Value = a.Value.Resolve()
		// run_id is noise on a terminal; it is in the debug log.
		if a.Key == "run_id" || a.Equal(slog.Attr{}) {
			return
		}
		key := a.Key
		if len(h.groups) > 0 {
			key = strings.Join(h.groups, ".") + "." + key
		}
		fmt.Fprintf(&sb, " %s%v", keyColor.Sprint(key+"="), a.Value)
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

// WithAttrs implements slog.Handler.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}

// WithGroup implements slog.Handler.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string{}, h.groups...), name)
	return &h2
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return errorColor.Sprint("[ERROR]")
	case l >= slog.LevelWarn:
		return warnColor.Sprint("[WARN]")
	case l >= slog.LevelInfo:
		return infoColor.Sprint("[INFO]")
	default:
		return debugColor.Sprint("[DEBUG]")
	}
}
