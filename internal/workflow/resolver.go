package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/jsonutil"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/llm"
	"github.com/robocore/robocore/internal/mcp"
)

// ParameterResolver produces a complete argument object for a tool from the
// planner's partial args, the user input, and the workflow history.
type ParameterResolver interface {
	Resolve(ctx context.Context, client mcp.Client, tool string, input any, wctx *Context) (map[string]any, error)
}

// NoopResolver passes planner args through untouched.
type NoopResolver struct{}

func (NoopResolver) Resolve(_ context.Context, _ mcp.Client, _ string, input any, _ *Context) (map[string]any, error) {
	if obj, ok := input.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{}, nil
}

// LLMResolver is the two-stage resolver: a strict extractor pass followed by
// an auditor pass that verifies and fixes the generated arguments.
type LLMResolver struct {
	llm    llm.Client
	logger *logger.Logger
}

// NewLLMResolver creates a resolver backed by the given completion client.
func NewLLMResolver(llmClient llm.Client, log *logger.Logger) *LLMResolver {
	return &LLMResolver{
		llm:    llmClient,
		logger: log.WithFields(zap.String("component", "resolver")),
	}
}

// Resolve implements the extraction pipeline: planner objects pass through;
// everything else goes extractor -> auditor -> normalize -> merge -> require.
func (r *LLMResolver) Resolve(ctx context.Context, client mcp.Client, tool string,
	input any, wctx *Context) (map[string]any, error) {

	// The planner already produced an argument object: trust it.
	if obj, ok := input.(map[string]any); ok {
		return obj, nil
	}

	schema, err := client.ToolSchema(ctx, tool)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema for %s: %w", tool, err)
	}
	schemaJSON := ""
	if schema != nil {
		if data, err := json.Marshal(schema); err == nil {
			schemaJSON = string(data)
		}
	}

	description := ""
	if tools, err := client.ListTools(ctx); err == nil {
		for _, t := range tools {
			if t.Name == tool {
				description = t.Description
				break
			}
		}
	}

	required, err := client.RequiredFields(ctx, tool)
	if err != nil {
		required = nil
	}

	inputText := wctx.InputText
	switch v := input.(type) {
	case string:
		inputText = v
	case nil:
	default:
		if data, err := json.Marshal(v); err == nil {
			inputText = string(data)
		}
	}

	workflowContext := renderWorkflowContext(wctx)

	system := "Convert user's input to a JSON object of tool parameters. Respond with ONLY a valid JSON object."
	if schemaJSON != "" {
		requiredJSON, _ := json.Marshal(required)
		system = fmt.Sprintf(extractorPrompt, tool, description, schemaJSON, string(requiredJSON), workflowContext)
	}

	prevStr := ""
	if prev, ok := wctx.Memory["last_tool_result"]; ok && prev != nil {
		if data, err := json.Marshal(prev); err == nil {
			prevStr = "Previous result: " + string(data)
		}
	}

	user := "Input: " + inputText + "\n"
	if prevStr != "" {
		user += prevStr + "\n"
	}
	user += workflowContext + "\nReturn JSON:"

	r.logger.Debug("Resolving tool parameters",
		zap.String("tool", tool), zap.String("input", inputText))

	out, err := r.llm.Complete(ctx, llm.Request{
		System:      system,
		User:        user,
		SessionID:   wctx.SessionID,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("parameter extraction failed for %s: %w", tool, err)
	}

	extracted, err := jsonutil.ParseObject(out.Content)
	if err != nil {
		return nil, fmt.Errorf("parameter extraction for %s produced invalid JSON: %w", tool, err)
	}

	// Audit pass: failures degrade silently to the first pass.
	fixed, err := r.audit(ctx, tool, schemaJSON, inputText, extracted, workflowContext, required)
	if err != nil {
		r.logger.Warn("Parameter audit failed, using extracted args",
			zap.String("tool", tool), zap.Error(err))
		fixed = extracted
	}

	result, _ := normalizeNullStrings(fixed).(map[string]any)
	if result == nil {
		result = map[string]any{}
	}

	// Planner-provided non-null keys win over resolver output.
	if original, ok := input.(map[string]any); ok {
		for k, v := range original {
			if v != nil {
				result[k] = v
			}
		}
	}

	ensureRequiredFields(result, required)
	return result, nil
}

const extractorPrompt = "You are a strict parameter extractor. Your goal is to convert user input into a JSON object for a specific tool.\n" +
	"Tool Name: %s\n" +
	"Tool Description: %s\n" +
	"Parameter Schema: %s\n" +
	"Required Fields: %s\n" +
	"%s\n" +
	"Instructions:\n" +
	"1. ONLY extract parameters that are explicitly mentioned or clearly implied in the user's input.\n" +
	"2. Return ONLY the JSON object. No markdown, no explanations.\n" +
	"3. If a required field cannot be found in the input, use null - the system will prompt the user.\n" +
	"4. Prioritize accuracy over trying to complete missing information.\n" +
	"5. Use the Workflow Context to disambiguate parameters.\n" +
	"   - Review 'Completed' steps and their 'Executed with args' AND 'Result'.\n" +
	"   - Do NOT reuse parameters from completed steps unless the user explicitly asks for the same thing again.\n" +
	"   - Extract parameters ONLY for the CURRENT step, corresponding to the NEXT logical part of the user input that hasn't been processed yet.\n" +
	"   - IMPORTANT: Infer dependencies dynamically:\n" +
	"     * INDEPENDENT: If a step introduces NEW information, extract parameters from the original input.\n" +
	"     * DEPENDENT (Single): If a step acts on a previous result, use the previous Result as input.\n" +
	"     * DEPENDENT (Multi): If a step combines multiple previous results, use ALL relevant previous Results as inputs.\n" +
	"   - EXPLICIT DEPENDENCIES: The current step explicitly depends on steps listed in 'Depends on Steps'. PRIORITY: Use results from these specific steps."

const auditorPrompt = "You are a Parameter Auditor. Your job is to verify and fix the arguments generated for a tool call.\n" +
	"Tool: %s\n" +
	"Schema: %s\n" +
	"Required Fields: %s\n\n" +
	"Rules:\n" +
	"1. Check if the 'Generated Args' match the 'User Input' and 'Context'.\n" +
	"2. Check if the data types match the Schema (e.g. string vs number).\n" +
	"3. Check if all required fields are present and valid.\n" +
	"4. If the args are correct, return them exactly as is.\n" +
	"5. If there are errors (missing fields, wrong types, hallucinated values), FIX them.\n" +
	"6. Return ONLY the valid JSON object of the arguments. No markdown."

func (r *LLMResolver) audit(ctx context.Context, tool, schemaJSON, userInput string,
	generated map[string]any, workflowContext string, required []string) (map[string]any, error) {

	requiredJSON, _ := json.Marshal(required)
	generatedJSON, _ := json.Marshal(generated)

	user := fmt.Sprintf("User Input: %s\nContext: %s\nGenerated Args: %s\n\nPlease evaluate and fix the arguments. Return JSON:",
		userInput, workflowContext, string(generatedJSON))

	out, err := r.llm.Complete(ctx, llm.Request{
		System:      fmt.Sprintf(auditorPrompt, tool, schemaJSON, string(requiredJSON)),
		User:        user,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}
	return jsonutil.ParseObject(out.Content)
}

// renderWorkflowContext builds the plan walkthrough block embedded in both
// resolver prompts.
func renderWorkflowContext(wctx *Context) string {
	if wctx == nil || wctx.Workflow == nil || wctx.Workflow.Plan == nil {
		return ""
	}
	state := wctx.Workflow
	plan := state.Plan
	history := state.historyByIndex()

	var b strings.Builder
	b.WriteString("\nWorkflow Context (You are resolving parameters for the CURRENT step):\n")

	if reasoning := strings.TrimSpace(plan.Reasoning); reasoning != "" {
		b.WriteString("Planner Reasoning (Use this to understand intent):\n")
		b.WriteString(reasoning)
		b.WriteString("\n\n")
	}

	for i, step := range plan.Steps {
		name := "System Step"
		if step.Kind == StepTool {
			name = step.Name
		}

		var status string
		switch {
		case i < state.CurrentStepIndex:
			status = "(Completed)"
			if h, ok := history[i]; ok {
				argsJSON, _ := json.Marshal(h.Args)
				status = fmt.Sprintf("(Completed) - Executed with args: %s", argsJSON)
				if h.Result != nil {
					resJSON, _ := json.Marshal(h.Result)
					status += fmt.Sprintf(" -> Result: %s", resJSON)
				}
			}
		case i == state.CurrentStepIndex:
			status = "(CURRENT - FOCUS HERE)"
			if step.Kind == StepTool && len(step.Dependencies) > 0 {
				status += " [Depends on Steps: " + formatIndices(step.Dependencies) + "]"
				for _, dep := range step.Dependencies {
					if h, ok := history[dep]; ok && h.Result != nil {
						resJSON, _ := json.Marshal(h.Result)
						status += fmt.Sprintf("\n    - Step %d Result: %s", dep+1, resJSON)
					}
				}
			}
		default:
			status = "(Pending)"
		}

		fmt.Fprintf(&b, "%d. %s %s\n", i+1, name, status)
	}
	return b.String()
}

func formatIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// normalizeNullStrings recursively converts string values equal to "null"
// (case-insensitive, trimmed) to nil.
func normalizeNullStrings(v any) any {
	switch val := v.(type) {
	case string:
		if strings.EqualFold(strings.TrimSpace(val), "null") {
			return nil
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNullStrings(item)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNullStrings(item)
		}
		return val
	default:
		return v
	}
}

// ensureRequiredFields inserts nulls for absent required keys so the MCP
// client triggers server-side elicitation for them.
func ensureRequiredFields(obj map[string]any, required []string) {
	for _, field := range required {
		if v, ok := obj[field]; !ok || v == nil {
			obj[field] = nil
		}
	}
}
