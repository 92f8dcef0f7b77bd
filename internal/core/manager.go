package core

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/mcp"
	"github.com/robocore/robocore/internal/persona"
	"github.com/robocore/robocore/internal/tasks"
	"github.com/robocore/robocore/internal/workflow"
)

const sessionInboxCapacity = 256

// sessionHandle is the manager's view of a live actor.
type sessionHandle struct {
	inbox chan sessionMessage
	done  chan struct{}
}

// Dependencies are the shared components every session actor composes.
type Dependencies struct {
	Factory    mcp.Factory
	Engine     DecisionEngine
	Resolver   workflow.ParameterResolver
	Perception PerceptionModule
	Intent     IntentModule
	Persona    persona.Persona
	Registry   *HandlerRegistry
	Router     *EventRouter
	Logger     *logger.Logger
}

// SessionManager routes inbound events to session actors, spawning them
// lazily. A dead actor (closed inbox) is replaced on the next dispatch.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionHandle

	deps         Dependencies
	consumed     *events.ConsumedSet
	elicitations *events.ElicitationSet
	logger       *logger.Logger
}

// NewSessionManager creates a manager with no live sessions.
func NewSessionManager(deps Dependencies) *SessionManager {
	return &SessionManager{
		sessions:     make(map[string]*sessionHandle),
		deps:         deps,
		consumed:     events.Consumed(),
		elicitations: events.Elicitations(),
		logger:       deps.Logger.WithFields(zap.String("component", "session_manager")),
	}
}

// WithSets overrides the consumed and elicitation sets. Used by tests to
// avoid the process-wide singletons.
func (m *SessionManager) WithSets(consumed *events.ConsumedSet, elicitations *events.ElicitationSet) *SessionManager {
	m.consumed = consumed
	m.elicitations = elicitations
	return m
}

// Dispatch delivers the event to its session's actor, creating the actor if
// needed. Events for sessions whose MCP client cannot be created are dropped.
func (m *SessionManager) Dispatch(ctx context.Context, event *events.InputEvent) {
	sessionID := event.EffectiveSessionID()
	msg := sessionMessage{event: event}

	m.mu.RLock()
	handle, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok && handle.send(msg) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Someone may have created or replaced the actor meanwhile.
	if handle, ok := m.sessions[sessionID]; ok && handle.send(msg) {
		return
	}

	m.logger.Info("Creating session actor", zap.String("session_id", sessionID))
	client, err := m.deps.Factory(sessionID)
	if err != nil {
		m.logger.Error("Failed to create MCP client for session",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	taskManager := tasks.NewManager()
	session := &Session{
		ID:           sessionID,
		inbox:        make(chan sessionMessage, sessionInboxCapacity),
		done:         make(chan struct{}),
		client:       mcp.NewTaskAwareClient(client, taskManager),
		tasks:        taskManager,
		engine:       m.deps.Engine,
		resolver:     m.deps.Resolver,
		perception:   m.deps.Perception,
		intent:       m.deps.Intent,
		persona:      m.deps.Persona,
		registry:     m.deps.Registry,
		router:       m.deps.Router,
		consumed:     m.consumed,
		elicitations: m.elicitations,
		logger:       m.deps.Logger.WithSessionID(sessionID),
		buildStep:    workflow.BuildStep,
	}

	var a actor = session
	if event.Source == "web" {
		a = &WebSession{Session: session}
	}
	go a.Run(ctx)

	handle = &sessionHandle{inbox: session.inbox, done: session.done}
	m.sessions[sessionID] = handle
	if !handle.send(msg) {
		m.logger.Error("Failed to dispatch event to new session",
			zap.String("session_id", sessionID))
	}
}

// Shutdown asks one session actor to stop.
func (m *SessionManager) Shutdown(sessionID string) {
	m.mu.Lock()
	handle, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok {
		handle.send(sessionMessage{shutdown: true})
	}
}

// Close stops every session actor.
func (m *SessionManager) Close() {
	m.mu.Lock()
	handles := make([]*sessionHandle, 0, len(m.sessions))
	for id, h := range m.sessions {
		handles = append(handles, h)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.send(sessionMessage{shutdown: true})
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// send queues a message unless the actor has exited.
func (h *sessionHandle) send(msg sessionMessage) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- msg:
		return true
	case <-h.done:
		return false
	}
}
