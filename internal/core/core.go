package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/events/bus"
)

const (
	idlePollInterval  = 100 * time.Millisecond
	errorPollInterval = time.Second
	inputChanCapacity = 1024
)

// Core wires the buses, the handler registry, the router, and the session
// manager into one runnable kernel.
type Core struct {
	registry *HandlerRegistry
	router   *EventRouter
	sessions *SessionManager

	inputCh   chan *events.InputEvent
	inputBus  bus.Bus[*events.InputEvent]
	outputBus bus.Bus[*events.OutputEvent]
	logger    *logger.Logger
}

// New builds a core around the given dependencies. The registry and router
// inside deps may be nil; the core creates them.
func New(deps Dependencies) *Core {
	if deps.Registry == nil {
		deps.Registry = NewHandlerRegistry()
	}
	if deps.Router == nil {
		deps.Router = NewEventRouter()
	}
	return &Core{
		registry:  deps.Registry,
		router:    deps.Router,
		sessions:  NewSessionManager(deps),
		inputCh:   make(chan *events.InputEvent, inputChanCapacity),
		inputBus:  events.InputBus(),
		outputBus: events.OutputBus(),
		logger:    deps.Logger.WithFields(zap.String("component", "core")),
	}
}

// WithBuses overrides the process-wide buses. Used by tests.
func (c *Core) WithBuses(input bus.Bus[*events.InputEvent], output bus.Bus[*events.OutputEvent]) *Core {
	c.inputBus = input
	c.outputBus = output
	return c
}

// Registry exposes the output handler registry.
func (c *Core) Registry() *HandlerRegistry { return c.registry }

// Router exposes the event router for route configuration.
func (c *Core) Router() *EventRouter { return c.router }

// Sessions exposes the session manager.
func (c *Core) Sessions() *SessionManager { return c.sessions }

// AddOutputHandler registers an output handler under the given id.
func (c *Core) AddOutputHandler(id string, handler OutputHandler) {
	c.registry.Add(id, handler)
}

// AddInputHandler starts a poll loop feeding the handler's events into the
// kernel and onto the input bus.
func (c *Core) AddInputHandler(ctx context.Context, handler InputHandler) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			event, err := handler.Poll(ctx)
			switch {
			case err != nil:
				c.logger.Warn("Input handler error, retrying", zap.Error(err))
				if !sleepCtx(ctx, errorPollInterval) {
					return
				}
			case event == nil:
				if !sleepCtx(ctx, idlePollInterval) {
					return
				}
			default:
				if event.SourceMeta == nil {
					event.SourceMeta = handler.Metadata()
				}
				c.Submit(ctx, event)
			}
		}
	}()
}

// Submit feeds one event into the kernel: onto the input bus for any active
// elicitation consumer, and into the dispatch queue for the session manager.
func (c *Core) Submit(ctx context.Context, event *events.InputEvent) {
	if err := c.inputBus.Publish(ctx, event); err != nil {
		c.logger.Warn("Failed to publish event to input bus", zap.Error(err))
	}
	select {
	case c.inputCh <- event:
	case <-ctx.Done():
	}
}

// Run drives the kernel until the context is cancelled: one goroutine
// broadcasts output-bus events to every handler, the main loop dispatches
// input events to session actors.
func (c *Core) Run(ctx context.Context) error {
	sub, err := c.outputBus.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C():
				if !ok {
					return
				}
				c.logger.Debug("Broadcasting system output", zap.String("source", event.Source))
				if err := c.registry.Dispatch(ctx, nil, event); err != nil {
					c.logger.Warn("Error emitting system output", zap.Error(err))
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.sessions.Close()
			return ctx.Err()
		case event := <-c.inputCh:
			c.logger.Info("Dispatching event to session manager",
				zap.String("source", event.Source), zap.String("event_id", event.ID))
			c.sessions.Dispatch(ctx, event)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
