package logger

import (
	"context"
	"io"
	"log/slog"
)

const colorReset = "\033[0m"

// ColorTextHandler wraps slog.TextHandler and prefixes each message with a
// colored level tag.
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is false
// the time attribute is dropped.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	if !showTime {
		prev := o.ReplaceAttr
		o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if prev != nil {
				return prev(groups, a)
			}
			return a
		}
	}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, &o),
		showTime:    showTime,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "\033[36m" // cyan
	case l < slog.LevelWarn:
		return "\033[32m" // green
	case l < slog.LevelError:
		return "\033[33m" // yellow
	default:
		return "\033[31m" // red
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + colorReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), showTime: h.showTime}
}
