package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentKey is the attribute that scopes a logger to a component.
const ComponentKey = "component"

// levels is shared by a ComponentFilterHandler and every handler derived
// from it through WithAttrs or WithGroup, so SetLevel affects loggers that
// were scoped before the call.
type levels struct {
	mu         sync.RWMutex
	def        slog.Level
	components map[string]slog.Level
}

func (l *levels) level(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[component]; ok {
		return lvl
	}
	return l.def
}

func (l *levels) min() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m := l.def
	for _, lvl := range l.components {
		m = min(m, lvl)
	}
	return m
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from the "component" attribute, either attached
// with Logger.With or passed on the record. Records without one use the
// default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levels
	component string
}

// NewComponentFilterHandler wraps next. The wrapped handler should accept
// every level; filtering happens here.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:   next,
		levels: &levels{def: defaultLevel, components: make(map[string]slog.Level)},
	}
}

// SetLevel sets the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.components[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel reverts a component to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.components, component)
	h.levels.mu.Unlock()
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.level(component)
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.def
}

// Enabled reports whether any component could log at level. The final
// decision is made in Handle once the record's component is known.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.levels.level(h.component)
	}
	return level >= h.levels.min()
}

// Handle forwards r if it meets its component's level.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.level(component) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs captures the component attribute if present.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == ComponentKey {
			c.component = a.Value.String()
		}
	}
	return &c
}

// WithGroup returns a handler that still filters with the shared levels.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	return &c
}
