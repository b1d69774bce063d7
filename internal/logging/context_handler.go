package logging

import (
	"context"
	"log/slog"
)

// contextHandler adds ContextFields to records logged with a context, so
// logger.InfoContext(ctx, ...) carries job, queue, harvest and request ids
// without a WithContext call. Keys already bound or present on the record
// are left alone.
type contextHandler struct {
	next    slog.Handler
	bound   map[string]struct{}
	grouped bool
}

func newContextHandler(next slog.Handler) slog.Handler {
	return &contextHandler{next: next, bound: map[string]struct{}{}}
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.grouped || ctx == nil {
		return h.next.Handle(ctx, record)
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return h.next.Handle(ctx, record)
	}
	present := make(map[string]struct{}, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		present[a.Key] = struct{}{}
		return true
	})
	for _, field := range fields {
		if _, ok := h.bound[field.Key]; ok {
			continue
		}
		if _, ok := present[field.Key]; ok {
			continue
		}
		record.AddAttrs(field)
	}
	return h.next.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]struct{}, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = struct{}{}
	}
	if !h.grouped {
		for _, a := range attrs {
			bound[a.Key] = struct{}{}
		}
	}
	return &contextHandler{next: h.next.WithAttrs(attrs), bound: bound, grouped: h.grouped}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &contextHandler{next: h.next.WithGroup(name), bound: h.bound, grouped: true}
}
