package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type LogAppender interface {
	AppendLog(ctx context.Context, jobID uuid.UUID, at time.Time, level, message string, metadata map[string]any) error
}

// DBLogHandler is a slog.Handler that writes records at Info and above to
// the job's log table and passes every record on to next, if set.
type DBLogHandler struct {
	store LogAppender
	jobID uuid.UUID
	next  slog.Handler
	attrs map[string]any
	group string
}

func NewDBLogHandler(store LogAppender, jobID uuid.UUID, next slog.Handler) *DBLogHandler {
	return &DBLogHandler{store: store, jobID: jobID, next: next, attrs: map[string]any{}}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= slog.LevelInfo {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		_ = h.next.Handle(ctx, r)
	}
	if r.Level < slog.LevelInfo {
		return nil
	}

	meta := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		meta[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(meta, h.group, a)
		return true
	})

	// The record outlives the caller's context; a cancelled job still logs.
	return h.store.AppendLog(context.Background(), h.jobID, r.Time, r.Level.String(), r.Message, meta)
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := h.clone()
	for _, a := range attrs {
		flatten(cp.attrs, h.group, a)
	}
	if h.next != nil {
		cp.next = h.next.WithAttrs(attrs)
	}
	return cp
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := h.clone()
	cp.group = h.group + name + "."
	if h.next != nil {
		cp.next = h.next.WithGroup(name)
	}
	return cp
}

func (h *DBLogHandler) clone() *DBLogHandler {
	cp := *h
	cp.attrs = make(map[string]any, len(h.attrs))
	for k, v := range h.attrs {
		cp.attrs[k] = v
	}
	return &cp
}

// flatten stores a under its dotted group path. Errors are kept as their
// message so they survive JSON encoding.
func flatten(dst map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			flatten(dst, sub, ga)
		}
		return
	}
	switch v := a.Value.Any().(type) {
	case error:
		dst[prefix+a.Key] = v.Error()
	case time.Duration:
		dst[prefix+a.Key] = v.String()
	case uuid.UUID:
		dst[prefix+a.Key] = v.String()
	default:
		dst[prefix+a.Key] = v
	}
}
