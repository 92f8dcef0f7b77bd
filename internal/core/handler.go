// Package core is the per-session orchestration kernel: input/output handler
// registries, the event router, the perception/intent gate, the LLM planner,
// the session actor, and the session manager.
package core

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/robocore/robocore/internal/events"
)

// InputHandler is polled by the core for inbound user events. Poll returns
// (nil, nil) when no event is pending.
type InputHandler interface {
	Poll(ctx context.Context) (*events.InputEvent, error)
	Metadata() *events.SourceMetadata
}

// OutputMetadata describes an output handler for diagnostics.
type OutputMetadata struct {
	Name        string `json:"name"`
	Format      string `json:"format"`
	Description string `json:"description"`
}

// OutputHandler delivers outbound events to one front-end. Emit may be called
// concurrently from several workflows.
type OutputHandler interface {
	Emit(ctx context.Context, event *events.OutputEvent) error
	Metadata() *OutputMetadata
}

// HandlerRegistry is the shared output handler table. Readers hold the lock
// only long enough to snapshot the handlers they will emit to.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]OutputHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]OutputHandler)}
}

// Add registers a handler under the given id, replacing any previous one.
func (r *HandlerRegistry) Add(id string, handler OutputHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = handler
}

// Remove drops a handler.
func (r *HandlerRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

// IDs returns the registered handler ids.
func (r *HandlerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns the handlers for the given ids; with no ids it returns
// every registered handler.
func (r *HandlerRegistry) Snapshot(ids []string) []OutputHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(ids) == 0 {
		out := make([]OutputHandler, 0, len(r.handlers))
		for _, h := range r.handlers {
			out = append(out, h)
		}
		return out
	}
	out := make([]OutputHandler, 0, len(ids))
	for _, id := range ids {
		if h, ok := r.handlers[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Dispatch emits the event to the handlers selected by ids (all when empty),
// concurrently, and returns the first emission error.
func (r *HandlerRegistry) Dispatch(ctx context.Context, ids []string, event *events.OutputEvent) error {
	handlers := r.Snapshot(ids)
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			return h.Emit(ctx, event)
		})
	}
	return g.Wait()
}
