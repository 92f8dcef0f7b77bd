package core

import (
	"sync"

	"github.com/robocore/robocore/internal/events"
)

// EventRouter maps input sources to output handler ids. Supports 1-to-1,
// 1-to-many, and many-to-1 pairings; an event whose source has no route is
// broadcast to every registered handler.
type EventRouter struct {
	mu     sync.RWMutex
	routes map[string][]string
}

// NewEventRouter creates a router with no routes.
func NewEventRouter() *EventRouter {
	return &EventRouter{routes: make(map[string][]string)}
}

// AddRoute appends output handler ids for an input source.
func (r *EventRouter) AddRoute(source string, outputs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[source] = append(r.routes[source], outputs...)
}

// HasRoutes reports whether any route is configured.
func (r *EventRouter) HasRoutes() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes) > 0
}

// OutputsForEvent returns the handler ids routed for the event's source.
// An empty result means broadcast to all handlers.
func (r *EventRouter) OutputsForEvent(event *events.InputEvent) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if outputs, ok := r.routes[event.Source]; ok {
		return append([]string(nil), outputs...)
	}
	return nil
}
