package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robocore/robocore/internal/mcp/protocol"
	"github.com/robocore/robocore/internal/persona"
)

func TestMemoryStepStashesInput(t *testing.T) {
	wctx := NewContext(persona.Default(), "hello there", "sess-1")

	res, err := MemoryStep{}.Run(context.Background(), wctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)
	assert.Equal(t, "hello there", wctx.Memory["input_text"])
	assert.Equal(t, true, wctx.Memory["touched"])
}

func TestProfileStep(t *testing.T) {
	wctx := NewContext(persona.Default(), "hi", "sess-1")

	res, err := ProfileStep{}.Run(context.Background(), wctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)
	assert.Equal(t, true, wctx.Profile["touched"])
}

func TestRelationshipStepEmitsSummaryAndStops(t *testing.T) {
	wctx := NewContext(persona.Default(), "hi", "sess-1")
	wctx.Memory["input_text"] = "hi"

	res, err := RelationshipStep{}.Run(context.Background(), wctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusStop, res.Status)
	require.NotNil(t, res.Output)
	assert.Equal(t, "sess-1", res.Output.SessionID)
	assert.Equal(t, wctx.Persona.Name, res.Output.Content["persona"])
	assert.Equal(t, true, wctx.Relationships["touched"])
}

func TestMcpToolStepCallsAndRecords(t *testing.T) {
	client := weatherClient()
	client.result = &protocol.CallToolResult{
		Content: []protocol.ContentBlock{protocol.TextContent("sunny")},
	}
	wctx := NewContext(persona.Default(), "weather in Tokyo", "sess-1")
	wctx.Workflow = &State{
		Plan:             &Plan{Steps: []StepSpec{{Kind: StepTool, Name: "get_weather"}}},
		CurrentStepIndex: 0,
	}

	step := &McpToolStep{
		Name:     "get_weather",
		Args:     map[string]any{"city": "Tokyo"},
		Resolver: NoopResolver{},
	}
	res, err := step.Run(context.Background(), wctx, client)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)

	assert.Equal(t, "sess-1", client.lastArgs["session_id"], "session id is injected")
	assert.Equal(t, "Tokyo", client.lastArgs["city"])

	require.Len(t, wctx.Workflow.History, 1)
	assert.Equal(t, 0, wctx.Workflow.History[0].StepIndex)
	assert.Equal(t, "get_weather", wctx.Workflow.History[0].Tool)
	assert.NotNil(t, wctx.Workflow.History[0].Result)
	assert.NotNil(t, wctx.Memory["last_tool_result"])

	require.NotNil(t, res.Output)
	assert.Equal(t, "sess-1", res.Output.SessionID)
}

func TestMcpToolStepKeepsExplicitSessionID(t *testing.T) {
	client := weatherClient()
	wctx := NewContext(persona.Default(), "weather", "sess-1")

	step := &McpToolStep{
		Name:     "get_weather",
		Args:     map[string]any{"city": "Tokyo", "session_id": "other"},
		Resolver: NoopResolver{},
	}
	_, err := step.Run(context.Background(), wctx, client)
	require.NoError(t, err)
	assert.Equal(t, "other", client.lastArgs["session_id"])
}

func TestBuildStep(t *testing.T) {
	assert.IsType(t, MemoryStep{}, BuildStep(StepSpec{Kind: StepMemory}, NoopResolver{}))
	assert.IsType(t, ProfileStep{}, BuildStep(StepSpec{Kind: StepProfile}, NoopResolver{}))
	assert.IsType(t, RelationshipStep{}, BuildStep(StepSpec{Kind: StepRelationship}, NoopResolver{}))

	step := BuildStep(StepSpec{Kind: StepTool, Name: "echo", Args: map[string]any{"m": "x"}}, NoopResolver{})
	ts, ok := step.(*McpToolStep)
	require.True(t, ok)
	assert.Equal(t, "echo", ts.Name)
}

func TestContextCloneIsIndependent(t *testing.T) {
	wctx := NewContext(persona.Default(), "input", "sess-1")
	wctx.Memory["nested"] = map[string]any{"k": "v"}
	wctx.Workflow = &State{
		Plan:             &Plan{Steps: []StepSpec{{Kind: StepTool, Name: "echo"}}},
		CurrentStepIndex: 0,
		History: []HistoryEntry{
			{StepIndex: 0, Tool: "echo", Args: map[string]any{"m": "x"}, Result: "r"},
		},
	}

	clone := wctx.Clone()
	clone.Memory["nested"].(map[string]any)["k"] = "changed"
	clone.Workflow.CurrentStepIndex = 7
	clone.Workflow.History[0].Args.(map[string]any)["m"] = "changed"
	clone.Workflow.Plan.Steps[0].Name = "changed"

	assert.Equal(t, "v", wctx.Memory["nested"].(map[string]any)["k"])
	assert.Equal(t, 0, wctx.Workflow.CurrentStepIndex)
	assert.Equal(t, "x", wctx.Workflow.History[0].Args.(map[string]any)["m"])
	assert.Equal(t, "echo", wctx.Workflow.Plan.Steps[0].Name)
}
