package workflow

import (
	"context"

	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/mcp"
)

// StepStatus tells the executor how to continue after a step.
type StepStatus int

const (
	// StatusContinue proceeds to the next step.
	StatusContinue StepStatus = iota
	// StatusStop terminates the plan.
	StatusStop
	// StatusWaitUser suspends the plan until the next user input.
	StatusWaitUser
)

// StepResult carries the step outcome. Output, when set, is dispatched to
// the target handlers before the status is honored; Prompt is the user
// prompt for StatusWaitUser.
type StepResult struct {
	Status StepStatus
	Output *events.OutputEvent
	Prompt string
}

// Step is one executable unit of a plan.
type Step interface {
	Run(ctx context.Context, wctx *Context, client mcp.Client) (*StepResult, error)
}

// MemoryStep stashes the input text into the memory tree.
type MemoryStep struct{}

func (MemoryStep) Run(_ context.Context, wctx *Context, _ mcp.Client) (*StepResult, error) {
	if wctx.Memory == nil {
		wctx.Memory = make(map[string]any)
	}
	wctx.Memory["input_text"] = wctx.InputText
	wctx.Memory["touched"] = true
	return &StepResult{Status: StatusContinue}, nil
}

// ProfileStep marks the profile as touched.
type ProfileStep struct{}

func (ProfileStep) Run(_ context.Context, wctx *Context, _ mcp.Client) (*StepResult, error) {
	if wctx.Profile == nil {
		wctx.Profile = make(map[string]any)
	}
	wctx.Profile["touched"] = true
	return &StepResult{Status: StatusContinue}, nil
}

// RelationshipStep marks relationships touched and emits a context summary,
// terminating the plan.
type RelationshipStep struct{}

func (RelationshipStep) Run(_ context.Context, wctx *Context, _ mcp.Client) (*StepResult, error) {
	if wctx.Relationships == nil {
		wctx.Relationships = make(map[string]any)
	}
	wctx.Relationships["touched"] = true

	out := events.NewOutputEvent(events.TargetDefault, "system", map[string]any{
		"persona":       wctx.Persona.Name,
		"memory":        wctx.Memory,
		"profile":       wctx.Profile,
		"relationships": wctx.Relationships,
	})
	out.SessionID = wctx.SessionID
	out.Style = wctx.Persona.Style
	return &StepResult{Status: StatusStop, Output: out}, nil
}

// McpToolStep resolves arguments and invokes one MCP tool.
type McpToolStep struct {
	Name     string
	Args     any
	Resolver ParameterResolver
}

func (s *McpToolStep) Run(ctx context.Context, wctx *Context, client mcp.Client) (*StepResult, error) {
	resolved, err := s.Resolver.Resolve(ctx, client, s.Name, s.Args, wctx)
	if err != nil {
		return nil, err
	}

	if wctx.SessionID != "" {
		if _, ok := resolved["session_id"]; !ok {
			resolved["session_id"] = wctx.SessionID
		}
	}

	// Record the call before running it so dependent steps can see it even
	// when the tool fails midway.
	if wctx.Workflow != nil {
		wctx.Workflow.History = append(wctx.Workflow.History, HistoryEntry{
			StepIndex: wctx.Workflow.CurrentStepIndex,
			Tool:      s.Name,
			Args:      deepCopyValue(resolved),
		})
	}

	result, err := client.Call(ctx, s.Name, resolved)
	if err != nil {
		return nil, err
	}

	resultValue := toJSONValue(result)
	if wctx.Memory == nil {
		wctx.Memory = make(map[string]any)
	}
	wctx.Memory["last_tool_result"] = resultValue
	if wctx.Workflow != nil && len(wctx.Workflow.History) > 0 {
		wctx.Workflow.History[len(wctx.Workflow.History)-1].Result = resultValue
	}

	content, ok := resultValue.(map[string]any)
	if !ok {
		content = map[string]any{"result": resultValue}
	}
	out := events.NewOutputEvent(events.TargetDefault, "system", content)
	out.SessionID = wctx.SessionID
	out.Style = wctx.Persona.Style
	return &StepResult{Status: StatusContinue, Output: out}, nil
}

// BuildStep turns a planned step spec into an executable step.
func BuildStep(spec StepSpec, resolver ParameterResolver) Step {
	switch spec.Kind {
	case StepMemory:
		return MemoryStep{}
	case StepProfile:
		return ProfileStep{}
	case StepRelationship:
		return RelationshipStep{}
	default:
		return &McpToolStep{Name: spec.Name, Args: spec.Args, Resolver: resolver}
	}
}
