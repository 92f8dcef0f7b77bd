// Package workflow holds the per-invocation execution context, the plan and
// step model, the step implementations, and the LLM parameter resolver.
package workflow

import (
	"encoding/json"

	"github.com/robocore/robocore/internal/persona"
)

// Step kinds.
const (
	StepMemory       = "memory"
	StepProfile      = "profile"
	StepRelationship = "relationship"
	StepTool         = "tool"
)

// StepSpec is one planned step. Built-in kinds carry no tool fields; tool
// steps name an MCP tool with (possibly partial) arguments and the indices
// of earlier steps whose results they consume.
type StepSpec struct {
	Kind         string `json:"kind"`
	Name         string `json:"name,omitempty"`
	Args         any    `json:"args,omitempty"`
	IsBackground bool   `json:"is_background,omitempty"`
	Dependencies []int  `json:"dependencies,omitempty"`
}

// Plan is an ordered sequence of steps plus the planner's reasoning.
type Plan struct {
	Steps     []StepSpec `json:"steps"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// HistoryEntry records one executed tool step for dependency resolution.
type HistoryEntry struct {
	StepIndex int    `json:"step_index"`
	Tool      string `json:"tool"`
	Args      any    `json:"args"`
	Result    any    `json:"result,omitempty"`
}

// State tracks plan progress while a workflow runs.
type State struct {
	Plan             *Plan          `json:"plan"`
	CurrentStepIndex int            `json:"current_step_index"`
	History          []HistoryEntry `json:"history,omitempty"`
}

// historyByIndex maps executed step indices to their entries.
func (s *State) historyByIndex() map[int]*HistoryEntry {
	out := make(map[int]*HistoryEntry, len(s.History))
	for i := range s.History {
		out[s.History[i].StepIndex] = &s.History[i]
	}
	return out
}

// Context is the scratch state threaded through a workflow's steps. It is
// owned by one goroutine at a time and cloned when handed to a background
// task.
type Context struct {
	Persona       persona.Persona
	Memory        map[string]any
	Profile       map[string]any
	Relationships map[string]any
	InputText     string
	SessionID     string
	Workflow      *State
}

// NewContext creates a context for one input.
func NewContext(p persona.Persona, inputText, sessionID string) *Context {
	return &Context{
		Persona:   p,
		Memory:    make(map[string]any),
		InputText: inputText,
		SessionID: sessionID,
	}
}

// Clone deep-copies the context for a background task spawn.
func (c *Context) Clone() *Context {
	out := &Context{
		Persona:       c.Persona,
		Memory:        deepCopyMap(c.Memory),
		Profile:       deepCopyMap(c.Profile),
		Relationships: deepCopyMap(c.Relationships),
		InputText:     c.InputText,
		SessionID:     c.SessionID,
	}
	if c.Workflow != nil {
		cp := &State{CurrentStepIndex: c.Workflow.CurrentStepIndex}
		if c.Workflow.Plan != nil {
			plan := *c.Workflow.Plan
			plan.Steps = append([]StepSpec(nil), c.Workflow.Plan.Steps...)
			cp.Plan = &plan
		}
		for _, h := range c.Workflow.History {
			cp.History = append(cp.History, HistoryEntry{
				StepIndex: h.StepIndex,
				Tool:      h.Tool,
				Args:      deepCopyValue(h.Args),
				Result:    deepCopyValue(h.Result),
			})
		}
		out.Workflow = cp
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// toJSONValue converts a typed value to its generic JSON representation so
// it can live in the memory tree and prompt renderings.
func toJSONValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
