package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/mcp"
	"github.com/robocore/robocore/internal/mcp/protocol"
	"github.com/robocore/robocore/internal/persona"
	"github.com/robocore/robocore/internal/tasks"
	"github.com/robocore/robocore/internal/workflow"
)

type stubEngine struct {
	mu    sync.Mutex
	plan  *workflow.Plan
	err   error
	calls int
}

func (e *stubEngine) Decide(_ context.Context, _ persona.Persona, _ *events.InputEvent, _ mcp.Client) (*workflow.Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.plan, nil
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestSession(t *testing.T, engine DecisionEngine, client mcp.Client) (*Session, *recordingHandler) {
	t.Helper()
	reg := NewHandlerRegistry()
	h := &recordingHandler{}
	reg.Add("out", h)

	return &Session{
		ID:           "sess-1",
		inbox:        make(chan sessionMessage, 16),
		done:         make(chan struct{}),
		client:       client,
		tasks:        tasks.NewManager(),
		engine:       engine,
		resolver:     workflow.NoopResolver{},
		perception:   BasicPerception{},
		intent:       BasicIntent{},
		persona:      persona.Default(),
		registry:     reg,
		router:       NewEventRouter(),
		consumed:     events.NewConsumedSet(),
		elicitations: events.NewElicitationSet(),
		logger:       testLogger(t),
		buildStep:    workflow.BuildStep,
	}, h
}

func TestSessionEcho(t *testing.T) {
	engine := &stubEngine{plan: &workflow.Plan{Steps: []workflow.StepSpec{
		{Kind: workflow.StepTool, Name: "echo", Args: map[string]any{"message": "hello"}},
	}}}
	client := &stubClient{
		tools: []mcp.ToolMeta{{Name: "echo", Description: "echoes"}},
		callFn: func(_ string, args map[string]any) (*protocol.CallToolResult, error) {
			msg, _ := args["message"].(string)
			return &protocol.CallToolResult{
				Content: []protocol.ContentBlock{protocol.TextContent(msg)},
			}, nil
		},
	}
	s, h := newTestSession(t, engine, client)

	s.handleInput(context.Background(), events.NewInputEvent("console", map[string]any{"content": "hello"}))

	outputs := h.all()
	require.Len(t, outputs, 1)
	assert.Equal(t, "sess-1", outputs[0].SessionID)
	assert.Equal(t, "console", outputs[0].Source)
	assert.Equal(t, "echo", client.lastTool)
	assert.Equal(t, "hello", client.lastArgs["message"])
	assert.Equal(t, "sess-1", client.lastArgs["session_id"])
}

func TestSessionSkipsConsumedEvent(t *testing.T) {
	engine := &stubEngine{plan: &workflow.Plan{}}
	s, h := newTestSession(t, engine, &stubClient{})

	event := events.NewInputEvent("console", map[string]any{"content": "算了"})
	s.consumed.MarkConsumed(event.ID)

	s.handleInput(context.Background(), event)
	assert.Empty(t, h.all())
	assert.Zero(t, engine.callCount())

	// The flag is removed on the first check.
	s.handleInput(context.Background(), event)
	assert.Equal(t, 1, engine.callCount())
}

func TestSessionSkipsWhileElicitationActive(t *testing.T) {
	engine := &stubEngine{plan: &workflow.Plan{}}
	s, h := newTestSession(t, engine, &stubClient{})
	s.elicitations.SetActive("sess-1", true)

	s.handleInput(context.Background(), events.NewInputEvent("console", map[string]any{"content": "hi"}))
	assert.Empty(t, h.all())
	assert.Zero(t, engine.callCount())

	s.elicitations.SetActive("sess-1", false)
	s.handleInput(context.Background(), events.NewInputEvent("console", map[string]any{"content": "hi"}))
	assert.Equal(t, 1, engine.callCount())
}

func TestSessionNoToolsAvailable(t *testing.T) {
	engine := &stubEngine{err: ErrNoToolsAvailable}
	s, h := newTestSession(t, engine, &stubClient{})

	s.handleInput(context.Background(), events.NewInputEvent("console", map[string]any{"content": "hi"}))

	outputs := h.all()
	require.Len(t, outputs, 1)
	assert.Equal(t, NoCapabilityMessage, outputs[0].ContentText())
}

// scriptedStep runs a test-provided function.
type scriptedStep struct {
	fn func(wctx *workflow.Context) (*workflow.StepResult, error)
}

func (s scriptedStep) Run(_ context.Context, wctx *workflow.Context, _ mcp.Client) (*workflow.StepResult, error) {
	return s.fn(wctx)
}

func TestSessionSuspensionContinuation(t *testing.T) {
	engine := &stubEngine{plan: &workflow.Plan{Steps: []workflow.StepSpec{
		{Kind: workflow.StepTool, Name: "confirmer"},
	}}}
	s, h := newTestSession(t, engine, &stubClient{})

	s.buildStep = func(_ workflow.StepSpec, _ workflow.ParameterResolver) workflow.Step {
		return scriptedStep{fn: func(wctx *workflow.Context) (*workflow.StepResult, error) {
			if wctx.InputText == "yes" {
				out := events.NewTextOutput("console", wctx.SessionID, "confirmed")
				return &workflow.StepResult{Status: workflow.StatusContinue, Output: out}, nil
			}
			return &workflow.StepResult{Status: workflow.StatusWaitUser, Prompt: "confirm?"}, nil
		}}
	}

	s.handleInput(context.Background(), events.NewInputEvent("console", map[string]any{"content": "do it"}))
	require.NotNil(t, s.pending)
	require.Len(t, h.all(), 1)
	assert.Equal(t, "confirm?", h.all()[0].ContentText())

	s.handleInput(context.Background(), events.NewInputEvent("console", map[string]any{"content": "yes"}))
	assert.Nil(t, s.pending, "pending execution cleared exactly once")
	require.Len(t, h.all(), 2)
	assert.Equal(t, "confirmed", h.all()[1].ContentText())
	assert.Equal(t, 1, engine.callCount(), "continuation does not re-plan")
}

func TestSessionBackgroundStepDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	engine := &stubEngine{plan: &workflow.Plan{Steps: []workflow.StepSpec{
		{Kind: workflow.StepTool, Name: "long_term_test", IsBackground: true},
		{Kind: workflow.StepTool, Name: "echo", Args: map[string]any{"message": "after"}},
	}}}
	client := &stubClient{
		callFn: func(tool string, _ map[string]any) (*protocol.CallToolResult, error) {
			if tool == "long_term_test" {
				<-release
			}
			return &protocol.CallToolResult{
				Content: []protocol.ContentBlock{protocol.TextContent(tool)},
			}, nil
		},
	}
	s, h := newTestSession(t, engine, client)

	s.handleInput(context.Background(), events.NewInputEvent("console", map[string]any{"content": "run the long test then echo"}))

	outputs := h.all()
	require.Len(t, outputs, 2, "foreground finished while background still running")
	assert.True(t, strings.HasPrefix(outputs[0].ContentText(), "Started background task 'long_term_test' (ID: "))
	assert.Equal(t, 1, s.tasks.Len(), "background task registered")

	close(release)
	assert.Eventually(t, func() bool { return s.tasks.Len() == 0 },
		2*time.Second, 10*time.Millisecond, "task removes itself on completion")
	assert.Eventually(t, func() bool { return len(h.all()) == 3 },
		2*time.Second, 10*time.Millisecond, "background output arrives later")
}

func TestSessionRunShutdown(t *testing.T) {
	engine := &stubEngine{plan: &workflow.Plan{}}
	s, _ := newTestSession(t, engine, &stubClient{})

	go s.Run(context.Background())
	s.inbox <- sessionMessage{event: events.NewInputEvent("console", map[string]any{"content": "hi"})}
	s.inbox <- sessionMessage{shutdown: true}

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
	assert.Equal(t, 1, engine.callCount())
}
