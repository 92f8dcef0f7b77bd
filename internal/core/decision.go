package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/jsonutil"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/common/stringutil"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/llm"
	"github.com/robocore/robocore/internal/mcp"
	"github.com/robocore/robocore/internal/persona"
	"github.com/robocore/robocore/internal/workflow"
)

// ErrNoToolsAvailable is returned when the MCP tool catalog is empty and no
// plan can be formed.
var ErrNoToolsAvailable = errors.New("no tools available")

// DecisionEngine turns an input event into a workflow plan.
type DecisionEngine interface {
	Decide(ctx context.Context, p persona.Persona, event *events.InputEvent, client mcp.Client) (*workflow.Plan, error)
}

// BasicDecisionEngine always runs the built-in memory/profile/relationship
// sequence.
type BasicDecisionEngine struct{}

func (BasicDecisionEngine) Decide(_ context.Context, _ persona.Persona, _ *events.InputEvent, _ mcp.Client) (*workflow.Plan, error) {
	return &workflow.Plan{Steps: []workflow.StepSpec{
		{Kind: workflow.StepMemory},
		{Kind: workflow.StepProfile},
		{Kind: workflow.StepRelationship},
	}}, nil
}

// LLMDecisionEngine asks the model for a reasoned, dependency-annotated step
// sequence over the session's current tool catalog.
type LLMDecisionEngine struct {
	llm    llm.Client
	logger *logger.Logger
}

// NewLLMDecisionEngine creates an LLM-backed planner.
func NewLLMDecisionEngine(llmClient llm.Client, log *logger.Logger) *LLMDecisionEngine {
	return &LLMDecisionEngine{
		llm:    llmClient,
		logger: log.WithFields(zap.String("component", "decision_engine")),
	}
}

const plannerPrompt = "%sYou are a smart workflow planner. Your goal is to select the minimal and optimal set of tools to fulfill the user's request.\n" +
	"Available Steps: [\"Memory\",\"Profile\",\"Relationship\"].\n" +
	"Available MCP Tools:\n%s\n" +
	"\n" +
	"Tool Categories:\n" +
	"- [Conversational]: For natural language interaction, chat, Q&A, and roleplay.\n" +
	"- [Utility]: For specific calculations, data processing, testing, or system operations.\n" +
	"- [Memory]: For storing and recalling long-term information.\n" +
	"- [Profile]: For managing user profiles and preferences.\n" +
	"- [System]: For managing running background tasks (listing, cancelling).\n" +
	"\n" +
	"Rules:\n" +
	"1. Analyze the user's intent and match it to the appropriate Tool Category.\n" +
	"2. If the user's input is casual conversation (greeting, small talk, general questions), prioritize [Conversational] tools.\n" +
	"3. Use [Utility] tools ONLY when the user explicitly requests that specific functionality (e.g., math, echo).\n" +
	"4. Use [Memory] or [Profile] tools if the request involves remembering facts or accessing user data.\n" +
	"5. When cancelling a task, ALWAYS call list_running_tasks before cancel_task so the task id is known.\n" +
	"6. When a request combines retrieval and computation, place the computation tools AFTER the retrieval tools and declare the retrieval steps as their dependencies.\n" +
	"7. Choose ONLY the necessary tools. Avoid redundant steps.\n" +
	"8. Return ONLY a JSON object of the form {\"reasoning\": \"...\", \"steps\": [{\"tool\": \"name\", \"dependencies\": [0]}]} where dependencies lists the zero-based indices of earlier steps whose results a step consumes. No markdown, no explanation."

type plannerStep struct {
	Tool         string `json:"tool"`
	Args         any    `json:"args,omitempty"`
	Dependencies []int  `json:"dependencies,omitempty"`
}

type plannerOutput struct {
	Reasoning string        `json:"reasoning"`
	Steps     []plannerStep `json:"steps"`
}

func (e *LLMDecisionEngine) Decide(ctx context.Context, _ persona.Persona, event *events.InputEvent, client mcp.Client) (*workflow.Plan, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools for planning: %w", err)
	}
	if len(tools) == 0 {
		return nil, ErrNoToolsAvailable
	}

	longRunning := make(map[string]bool, len(tools))
	var catalog strings.Builder
	for _, t := range tools {
		longRunning[t.Name] = t.IsLongRunning
		fmt.Fprintf(&catalog, "- %s: %s\n", t.Name, t.Description)
	}

	text := event.Text()
	sourceContext := "Input Source: unknown\n"
	if meta := event.SourceMeta; meta != nil {
		sourceContext = fmt.Sprintf("Input Source: %s\nFormat: %s\nDescription: %s\n",
			meta.Name, meta.Format, meta.Description)
	}

	out, err := e.llm.Complete(ctx, llm.Request{
		System:      fmt.Sprintf(plannerPrompt, sourceContext, strings.TrimRight(catalog.String(), "\n")),
		User:        "Input: " + text + "\nReturn plan:",
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("planner LLM call failed: %w", err)
	}

	planned := e.parse(out.Content)
	steps := make([]workflow.StepSpec, 0, len(planned.Steps))
	for _, ps := range planned.Steps {
		switch strings.ToLower(strings.TrimSpace(ps.Tool)) {
		case "memory":
			steps = append(steps, workflow.StepSpec{Kind: workflow.StepMemory})
		case "profile":
			steps = append(steps, workflow.StepSpec{Kind: workflow.StepProfile})
		case "relationship":
			steps = append(steps, workflow.StepSpec{Kind: workflow.StepRelationship})
		default:
			steps = append(steps, workflow.StepSpec{
				Kind:         workflow.StepTool,
				Name:         ps.Tool,
				Args:         ps.Args,
				IsBackground: longRunning[ps.Tool],
				Dependencies: ps.Dependencies,
			})
		}
	}

	plan := &workflow.Plan{Steps: steps, Reasoning: planned.Reasoning}
	e.logger.Info("Plan decided",
		zap.Int("steps", len(plan.Steps)), zap.String("reasoning", plan.Reasoning))
	return plan, nil
}

// parse accepts either the full planner object or a bare step array. An
// unparseable answer degrades to an empty plan.
func (e *LLMDecisionEngine) parse(content string) plannerOutput {
	if obj, ok := jsonutil.ExtractObject(content); ok {
		var planned plannerOutput
		if err := json.Unmarshal([]byte(obj), &planned); err == nil && len(planned.Steps) > 0 {
			return planned
		}
	}

	arr, ok := jsonutil.ExtractArray(content)
	if !ok {
		e.logger.Warn("Planner output not parseable, using empty plan",
			zap.String("content", stringutil.TruncateStringWithEllipsis(content, 500)))
		return plannerOutput{}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		e.logger.Warn("Planner output not parseable, using empty plan",
			zap.String("content", stringutil.TruncateStringWithEllipsis(content, 500)))
		return plannerOutput{}
	}

	var planned plannerOutput
	for _, item := range raw {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			planned.Steps = append(planned.Steps, plannerStep{Tool: name})
			continue
		}
		var step plannerStep
		if err := json.Unmarshal(item, &step); err == nil && step.Tool != "" {
			planned.Steps = append(planned.Steps, step)
		}
	}
	return planned
}
