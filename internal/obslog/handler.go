// Package obslog adapts the teacher's trace-context-injecting slog
// handler to tag delivery log lines with the message being processed
// instead of a request's span context.
package obslog

import (
	"context"
	"log/slog"
)

type messageIDKey struct{}

// WithMessageID returns a context carrying messageID for any log record
// emitted through it to pick up via Handler.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, messageID)
}

// Handler wraps a slog.Handler and injects message_id from the context
// into every log record, when present.
type Handler struct {
	inner slog.Handler
}

// New wraps inner with message_id injection.
func New(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if id, ok := ctx.Value(messageIDKey{}).(string); ok && id != "" {
		record.AddAttrs(slog.String("message_id", id))
	}
	return h.inner.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
