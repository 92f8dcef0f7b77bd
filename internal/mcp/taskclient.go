package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robocore/robocore/internal/mcp/protocol"
	"github.com/robocore/robocore/internal/tasks"
)

// Synthetic tool names exposed by the task-aware wrapper.
const (
	ToolListRunningTasks = "list_running_tasks"
	ToolCancelTask       = "cancel_task"
)

// TaskAwareClient decorates an inner client with two synthetic tools bound
// to the session's task manager: list_running_tasks and cancel_task.
type TaskAwareClient struct {
	inner       Client
	taskManager *tasks.Manager
}

// NewTaskAwareClient wraps a client with task-management tools.
func NewTaskAwareClient(inner Client, taskManager *tasks.Manager) *TaskAwareClient {
	return &TaskAwareClient{inner: inner, taskManager: taskManager}
}

// ListTools returns the inner catalog plus the synthetic task tools.
func (c *TaskAwareClient) ListTools(ctx context.Context) ([]ToolMeta, error) {
	tools, err := c.inner.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	tools = append(tools, ToolMeta{
		Name:        ToolListRunningTasks,
		Description: "CRITICAL: Call this tool FIRST when the user wants to check status or cancel a task. Returns a list of tasks with 'ordinal' (index), 'original_prompt' (user intent), and 'task_id'. Use this output to map user's natural language description to a precise 'task_id'.",
	})
	tools = append(tools, ToolMeta{
		Name:        ToolCancelTask,
		Description: "Cancels a background task. REQUIRED: You MUST have a valid 'task_id' from the output of 'list_running_tasks' before calling this. DO NOT guess the ID. If you don't know the ID, call 'list_running_tasks' first.",
	})

	return tools, nil
}

// Call handles the synthetic tools locally and delegates everything else.
func (c *TaskAwareClient) Call(ctx context.Context, tool string, args map[string]any) (*protocol.CallToolResult, error) {
	switch tool {
	case ToolListRunningTasks:
		list := c.taskManager.List()
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task list: %w", err)
		}
		return &protocol.CallToolResult{
			Content: []protocol.ContentBlock{protocol.TextContent(string(data))},
		}, nil

	case ToolCancelTask:
		taskID, _ := args["task_id"].(string)
		if taskID == "" {
			return nil, fmt.Errorf("missing required argument: task_id")
		}
		msg := fmt.Sprintf("Task %s not found", taskID)
		if c.taskManager.Cancel(taskID) {
			msg = fmt.Sprintf("Task %s cancelled successfully", taskID)
		}
		return &protocol.CallToolResult{
			Content: []protocol.ContentBlock{protocol.TextContent(msg)},
		}, nil

	default:
		return c.inner.Call(ctx, tool, args)
	}
}

// RequiredFields overrides the synthetic tools and delegates the rest.
func (c *TaskAwareClient) RequiredFields(ctx context.Context, tool string) ([]string, error) {
	switch tool {
	case ToolCancelTask:
		return []string{"task_id"}, nil
	case ToolListRunningTasks:
		return nil, nil
	default:
		return c.inner.RequiredFields(ctx, tool)
	}
}

// ToolSchema overrides the synthetic tools and delegates the rest.
func (c *TaskAwareClient) ToolSchema(ctx context.Context, tool string) (map[string]any, error) {
	switch tool {
	case ToolCancelTask:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The ID of the task to cancel. Must be exactly as returned by list_running_tasks.",
				},
			},
			"required": []any{"task_id"},
		}, nil
	case ToolListRunningTasks:
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}, nil
	default:
		return c.inner.ToolSchema(ctx, tool)
	}
}

// ElicitPreview delegates to the inner client; the synthetic tools never
// elicit.
func (c *TaskAwareClient) ElicitPreview(ctx context.Context, tool string) (map[string]any, error) {
	switch tool {
	case ToolListRunningTasks, ToolCancelTask:
		return nil, nil
	default:
		return c.inner.ElicitPreview(ctx, tool)
	}
}
