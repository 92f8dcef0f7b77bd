package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/robocore/robocore/internal/mcp/protocol"
)

const (
	longTaskSteps    = 10
	longTaskInterval = time.Second
)

// toolDef pairs a catalog entry with its handler. required mirrors the
// schema's required list so the server can elicit missing arguments.
type toolDef struct {
	def      protocol.Tool
	required []string
	run      func(ctx context.Context, c *connSession, args map[string]any) (*protocol.CallToolResult, error)
}

var tools = []toolDef{
	{
		def: protocol.Tool{
			Name:        "echo",
			Description: "Echoes back the provided message.",
			InputSchema: objectSchema(map[string]any{
				"message": map[string]any{"type": "string", "description": "The message to echo back"},
			}, "message"),
		},
		required: []string{"message"},
		run: func(ctx context.Context, c *connSession, args map[string]any) (*protocol.CallToolResult, error) {
			message, _ := args["message"].(string)
			return textResult("Echo: " + message), nil
		},
	},
	{
		def: protocol.Tool{
			Name:        "get_current_datetime",
			Description: "Returns the current date and time.",
			InputSchema: objectSchema(map[string]any{}),
		},
		run: func(ctx context.Context, c *connSession, args map[string]any) (*protocol.CallToolResult, error) {
			return textResult(time.Now().Format(time.RFC3339)), nil
		},
	},
	{
		def: protocol.Tool{
			Name:        "get_weather",
			Description: "Returns the current weather for a city.",
			InputSchema: objectSchema(map[string]any{
				"city": map[string]any{"type": "string", "description": "The city to get the weather for"},
			}, "city"),
		},
		required: []string{"city"},
		run: func(ctx context.Context, c *connSession, args map[string]any) (*protocol.CallToolResult, error) {
			city, _ := args["city"].(string)
			return textResult(fmt.Sprintf("The weather in %s is sunny, 22 degrees.", city)), nil
		},
	},
	{
		def: protocol.Tool{
			Name:        "sum",
			Description: "Adds two numbers.",
			InputSchema: objectSchema(map[string]any{
				"a": map[string]any{"type": "number", "description": "First operand"},
				"b": map[string]any{"type": "number", "description": "Second operand"},
			}, "a", "b"),
		},
		required: []string{"a", "b"},
		run: func(ctx context.Context, c *connSession, args map[string]any) (*protocol.CallToolResult, error) {
			a, err := numberArg(args, "a")
			if err != nil {
				return nil, err
			}
			b, err := numberArg(args, "b")
			if err != nil {
				return nil, err
			}
			return textResult(formatNumber(a + b)), nil
		},
	},
	{
		def: protocol.Tool{
			Name:        "division",
			Description: "Divides the first number by the second.",
			InputSchema: objectSchema(map[string]any{
				"a": map[string]any{"type": "number", "description": "Dividend"},
				"b": map[string]any{"type": "number", "description": "Divisor"},
			}, "a", "b"),
		},
		required: []string{"a", "b"},
		run: func(ctx context.Context, c *connSession, args map[string]any) (*protocol.CallToolResult, error) {
			a, err := numberArg(args, "a")
			if err != nil {
				return nil, err
			}
			b, err := numberArg(args, "b")
			if err != nil {
				return nil, err
			}
			if b == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return textResult(formatNumber(a / b)), nil
		},
	},
	{
		def: protocol.Tool{
			Name:        "long_term_test",
			Description: "Simulates a long-running task with progress updates.",
			InputSchema: objectSchema(map[string]any{}),
			Meta:        map[string]any{"isLongRunning": true},
		},
		run: runLongTask,
	},
}

func toolCatalog() []protocol.Tool {
	catalog := make([]protocol.Tool, 0, len(tools))
	for _, t := range tools {
		catalog = append(catalog, t.def)
	}
	return catalog
}

func findTool(name string) *toolDef {
	for i := range tools {
		if tools[i].def.Name == name {
			return &tools[i]
		}
	}
	return nil
}

// runLongTask ticks through its steps, reporting progress after each one.
// Cancellation between steps aborts the run.
func runLongTask(ctx context.Context, c *connSession, args map[string]any) (*protocol.CallToolResult, error) {
	token := any("long_term_test")
	if requestID, ok := protocol.RequestIDFromContext(ctx); ok {
		token = requestID
	}

	total := float64(longTaskSteps)
	for step := 1; step <= longTaskSteps; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(longTaskInterval):
		}

		if err := c.conn.Notify(protocol.NotificationProgress, protocol.ProgressParams{
			ProgressToken: token,
			Progress:      float64(step),
			Total:         &total,
			Message:       fmt.Sprintf("Step %d of %d complete", step, longTaskSteps),
		}); err != nil {
			return nil, err
		}
	}
	return textResult("Long running task finished successfully."), nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func textResult(text string) *protocol.CallToolResult {
	return &protocol.CallToolResult{Content: []protocol.ContentBlock{protocol.TextContent(text)}}
}

func numberArg(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(v, "%g", &parsed); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("argument '%s' must be a number", key)
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
