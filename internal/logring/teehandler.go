package logring

import (
	"context"
	"log/slog"
)

// TeeHandler forwards records to an inner slog.Handler and mirrors them
// into a RingBuffer. The capture is unconditional so the health tail
// shows what was logged even if the inner handler errors.
type TeeHandler struct {
	inner  slog.Handler
	ring   *RingBuffer
	attrs  []slog.Attr
	groups []string
}

// NewTeeHandler wraps inner with ring capture.
func NewTeeHandler(inner slog.Handler, ring *RingBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, ring: ring}
}

// Enabled delegates the level decision to the inner handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures the record into the ring, then forwards it.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Level: r.Level, Message: r.Message}

	// Flatten pre-set and record attrs, prefixing group names the way
	// the text handler would render them.
	prefix := h.groupPrefix()
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	h.ring.Add(entry)
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a handler carrying the extra attributes.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(append(merged, h.attrs...), attrs...)
	return &TeeHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		attrs:  merged,
		groups: h.groups,
	}
}

// WithGroup returns a handler that prefixes subsequent attribute keys.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(append(groups, h.groups...), name)
	return &TeeHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		attrs:  h.attrs,
		groups: groups,
	}
}

func (h *TeeHandler) groupPrefix() string {
	var p string
	for _, g := range h.groups {
		p += g + "."
	}
	return p
}
