package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler drops records unless the logger descended into one of
// the allowed slog groups. Handlers are immutable after construction, so a
// single boolean decided at WithGroup time is enough: once a logger enters
// an allowed group, every record and sub-group under it is emitted.
type GroupFilterHandler struct {
	next    slog.Handler
	allowed map[string]bool
	matched bool
}

// NewGroupFilterHandler wraps next with group filtering. With no allowed
// groups the original handler is returned unchanged.
func NewGroupFilterHandler(next slog.Handler, allowedGroups []string) slog.Handler {
	if next == nil {
		return nil
	}
	allowed := make(map[string]bool, len(allowedGroups))
	for _, group := range allowedGroups {
		if name := strings.TrimSpace(strings.ToLower(group)); name != "" {
			allowed[name] = true
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{next: next, allowed: allowed}
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.matched && h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.matched {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilterHandler{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		matched: h.matched,
	}
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &GroupFilterHandler{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		matched: h.matched || h.allowed[strings.ToLower(name)],
	}
}
