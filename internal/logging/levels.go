package logging

import (
	"context"
	"log/slog"
	"sync"
)

// Levels is a table of minimum levels keyed by the "component" attribute.
// It is safe for concurrent use and may be changed while loggers run.
type Levels struct {
	mu   sync.RWMutex
	base slog.Level
	by   map[string]slog.Level
}

// NewLevels returns a table where components without an entry log at base.
func NewLevels(base slog.Level) *Levels {
	return &Levels{base: base, by: make(map[string]slog.Level)}
}

// Set overrides the level of one component.
func (l *Levels) Set(component string, lvl slog.Level) {
	l.mu.Lock()
	l.by[component] = lvl
	l.mu.Unlock()
}

// Reset drops the override of one component.
func (l *Levels) Reset(component string) {
	l.mu.Lock()
	delete(l.by, component)
	l.mu.Unlock()
}

// Of returns the level in effect for component.
func (l *Levels) Of(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.by[component]; ok {
		return lvl
	}
	return l.base
}

// floor is the most verbose level any component is allowed.
func (l *Levels) floor() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f := l.base
	for _, lvl := range l.by {
		f = min(f, lvl)
	}
	return f
}

// Handler passes records on to next when they meet the level of their
// component. The component comes from a "component" attribute added with
// Logger.With or given on the record itself.
type Handler struct {
	next      slog.Handler
	levels    *Levels
	component string
}

// NewHandler wraps next. A nil next filters and then drops records.
func NewHandler(next slog.Handler, levels *Levels) *Handler {
	return &Handler{next: next, levels: levels}
}

func (h *Handler) Enabled(ctx context.Context, lvl slog.Level) bool {
	// Without a bound component the record may still carry one, so only
	// the floor can be checked here. Handle decides precisely.
	threshold := h.levels.floor()
	if h.component != "" {
		threshold = h.levels.Of(h.component)
	}
	if lvl < threshold {
		return false
	}
	return h.next == nil || h.next.Enabled(ctx, lvl)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key != "component" {
				return true
			}
			component = a.Value.String()
			return false
		})
	}
	if r.Level < h.levels.Of(component) || h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	for _, a := range attrs {
		if a.Key == "component" {
			c.component = a.Value.String()
		}
	}
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	c := *h
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return &c
}
