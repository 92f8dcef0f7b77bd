// Package mcp provides the per-session MCP tool client: connection
// management, schema introspection, cancellable tool calls, server-initiated
// elicitation, and the task-aware wrapper exposing background-task tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/jsonutil"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/events/bus"
	"github.com/robocore/robocore/internal/llm"
	"github.com/robocore/robocore/internal/mcp/protocol"
)

// ToolMeta describes one tool from the server catalog.
type ToolMeta struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	IsLongRunning bool   `json:"is_long_running"`
}

// Client is the tool-invocation capability consumed by the workflow engine
// and the decision engine.
type Client interface {
	ListTools(ctx context.Context) ([]ToolMeta, error)
	RequiredFields(ctx context.Context, tool string) ([]string, error)
	ToolSchema(ctx context.Context, tool string) (map[string]any, error)
	ElicitPreview(ctx context.Context, tool string) (map[string]any, error)
	Call(ctx context.Context, tool string, args map[string]any) (*protocol.CallToolResult, error)
}

// Factory creates a client bound to one session. Used by the session manager
// when it spawns a new actor.
type Factory func(sessionID string) (Client, error)

var cancelWords = []string{
	"算了",
	"不用了",
	"取消",
	"停止",
	"不需要了",
	"stop",
	"cancel",
	"never mind",
	"nevermind",
	"quit",
	"exit",
}

// IsCancelText reports whether the user text is a cancel phrase.
func IsCancelText(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return false
	}
	for _, w := range cancelWords {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// sharedState tracks the in-flight interactive call and the last elicitation
// prompt, shared between the call path and the elicitation handler.
type sharedState struct {
	mu            sync.Mutex
	currentConn   *protocol.Conn
	currentCallID int64
	hasCall       bool

	lastElicitMessage string
	lastElicitSchema  map[string]any
}

func (s *sharedState) setCall(conn *protocol.Conn, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentConn = conn
	s.currentCallID = id
	s.hasCall = true
}

func (s *sharedState) clearCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentConn = nil
	s.hasCall = false
}

func (s *sharedState) call() (*protocol.Conn, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentConn, s.currentCallID, s.hasCall
}

// TCPClient talks to the MCP tool server over a raw TCP connection per
// session. Long-running tool calls open dedicated connections so the base
// connection stays free for interactive traffic.
type TCPClient struct {
	addr      string
	sessionID string
	llm       llm.Client

	inputBus     bus.Bus[*events.InputEvent]
	outputBus    bus.Bus[*events.OutputEvent]
	consumed     *events.ConsumedSet
	elicitations *events.ElicitationSet

	connMu  sync.Mutex
	conn    *protocol.Conn
	shared  *sharedState
	logger  *logger.Logger
	baseCtx context.Context
}

// NewTCPClient creates a client for one session. The connection is
// established lazily on first use.
func NewTCPClient(ctx context.Context, addr, sessionID string, llmClient llm.Client, log *logger.Logger) *TCPClient {
	return &TCPClient{
		addr:         addr,
		sessionID:    sessionID,
		llm:          llmClient,
		inputBus:     events.InputBus(),
		outputBus:    events.OutputBus(),
		consumed:     events.Consumed(),
		elicitations: events.Elicitations(),
		shared:       &sharedState{},
		logger: log.WithFields(
			zap.String("component", "mcp_client"),
			zap.String("session_id", sessionID)),
		baseCtx: ctx,
	}
}

// WithBuses overrides the buses and dedup sets. Used by tests.
func (c *TCPClient) WithBuses(in bus.Bus[*events.InputEvent], out bus.Bus[*events.OutputEvent],
	consumed *events.ConsumedSet, elicitations *events.ElicitationSet) *TCPClient {
	c.inputBus = in
	c.outputBus = out
	c.consumed = consumed
	c.elicitations = elicitations
	return c
}

// Close drops the persistent connection.
func (c *TCPClient) Close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *TCPClient) dial(nameSuffix string) (*protocol.Conn, error) {
	netConn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server at %s: %w", c.addr, err)
	}

	conn := protocol.NewConn(netConn, c.logger)
	conn.SetRequestHandler(func(ctx context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
		return c.handleServerRequest(ctx, conn, method, params)
	})
	conn.SetNotificationHandler(c.handleNotification)
	conn.Start(c.baseCtx)

	initParams := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities: protocol.ClientCapabilities{
			Elicitation: map[string]any{},
			Roots:       &protocol.RootsCapability{},
		},
		ClientInfo: protocol.Implementation{
			Name:    "robocore-client-" + c.sessionID + nameSuffix,
			Version: "0.1.0",
		},
	}

	resp, err := conn.Call(c.baseCtx, protocol.MethodInitialize, initParams)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize rejected: %s", resp.Error.Message)
	}
	if err := conn.Notify(protocol.NotificationInitialized, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialized notification failed: %w", err)
	}

	c.logger.Info("Connected to MCP server", zap.String("addr", c.addr))
	return conn, nil
}

func (c *TCPClient) ensureConnected() (*protocol.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		select {
		case <-c.conn.Done():
			c.conn = nil
		default:
			return c.conn, nil
		}
	}
	conn, err := c.dial("")
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *TCPClient) dropConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// shouldReconnect matches transport-level failures worth one retry on a
// fresh connection.
func shouldReconnect(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, frag := range []string{
		"broken pipe",
		"connection",
		"transport",
		"closed",
		"eof",
		"reset by peer",
		"os error",
	} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

// withRetry runs op on the persistent connection, reconnecting and retrying
// exactly once on a transport error.
func (c *TCPClient) withRetry(op string, f func(conn *protocol.Conn) error) error {
	conn, err := c.ensureConnected()
	if err != nil {
		return err
	}

	if err := f(conn); err != nil {
		if !shouldReconnect(err) {
			return err
		}
		c.logger.Warn("MCP operation failed, reconnecting",
			zap.String("op", op), zap.Error(err))
		c.dropConn()
		conn, err2 := c.ensureConnected()
		if err2 != nil {
			return err2
		}
		return f(conn)
	}
	return nil
}

// ListTools fetches the tool catalog.
func (c *TCPClient) ListTools(ctx context.Context) ([]ToolMeta, error) {
	tools, err := c.listRawTools(ctx)
	if err != nil {
		return nil, err
	}
	metas := make([]ToolMeta, 0, len(tools))
	for _, t := range tools {
		metas = append(metas, ToolMeta{
			Name:          t.Name,
			Description:   t.Description,
			IsLongRunning: t.IsLongRunning(),
		})
	}
	return metas, nil
}

func (c *TCPClient) listRawTools(ctx context.Context) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	err := c.withRetry("tools/list", func(conn *protocol.Conn) error {
		resp, err := conn.Call(ctx, protocol.MethodToolsList, nil)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("tools/list failed: %s", resp.Error.Message)
		}
		var result protocol.ListToolsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("failed to parse tools/list result: %w", err)
		}
		tools = result.Tools
		return nil
	})
	return tools, err
}

func (c *TCPClient) findTool(ctx context.Context, name string) (*protocol.Tool, error) {
	tools, err := c.listRawTools(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], nil
		}
	}
	return nil, nil
}

// RequiredFields returns the tool schema's required field names.
func (c *TCPClient) RequiredFields(ctx context.Context, tool string) ([]string, error) {
	t, err := c.findTool(ctx, tool)
	if err != nil || t == nil {
		return nil, err
	}
	req, _ := t.InputSchema["required"].([]any)
	fields := make([]string, 0, len(req))
	for _, v := range req {
		if s, ok := v.(string); ok {
			fields = append(fields, s)
		}
	}
	return fields, nil
}

// ToolSchema returns the tool's input schema, or nil when unknown.
func (c *TCPClient) ToolSchema(ctx context.Context, tool string) (map[string]any, error) {
	t, err := c.findTool(ctx, tool)
	if err != nil || t == nil {
		return nil, err
	}
	return t.InputSchema, nil
}

// ElicitPreview returns the elicitation payload a front-end can render
// before invoking the tool, from the catalog.
func (c *TCPClient) ElicitPreview(ctx context.Context, tool string) (map[string]any, error) {
	t, err := c.findTool(ctx, tool)
	if err != nil || t == nil {
		return nil, err
	}
	message := t.Description
	if message == "" {
		message = "Please provide parameters matching the schema"
	}
	return map[string]any{
		"type":    events.TypeElicitation,
		"message": message,
		"schema":  t.InputSchema,
	}, nil
}

// missingRequired returns the required fields absent from args: missing key,
// null, empty or "null" string, or empty array.
func missingRequired(required []string, args map[string]any) []string {
	var missing []string
	for _, f := range required {
		v, ok := args[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		switch val := v.(type) {
		case string:
			t := strings.TrimSpace(val)
			if t == "" || strings.EqualFold(t, "null") {
				missing = append(missing, f)
			}
		case []any:
			if len(val) == 0 {
				missing = append(missing, f)
			}
		}
	}
	return missing
}

// metaArgs keeps only session routing keys when calling with no arguments.
func metaArgs(args map[string]any) map[string]any {
	meta := make(map[string]any)
	for k, v := range args {
		if k == "session_id" || strings.HasPrefix(k, "__") {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// Call invokes a tool. Missing required arguments are stripped so the server
// elicits them; long-running tools run on a dedicated connection.
func (c *TCPClient) Call(ctx context.Context, tool string, args map[string]any) (*protocol.CallToolResult, error) {
	c.logger.Info("Calling tool", zap.String("tool", tool), zap.Any("args", args))

	required, err := c.RequiredFields(ctx, tool)
	if err != nil {
		required = nil
	}

	arguments := args
	if missing := missingRequired(required, args); len(missing) > 0 {
		c.logger.Info("Required fields missing, eliciting",
			zap.String("tool", tool), zap.Strings("missing", missing))
		arguments = metaArgs(args)
	}

	isLongRunning := false
	if t, err := c.findTool(ctx, tool); err == nil && t != nil {
		isLongRunning = t.IsLongRunning()
	}

	if isLongRunning {
		c.logger.Info("Long-running tool, opening dedicated connection",
			zap.String("tool", tool))
		conn, err := c.dial("-bg")
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return c.callOnConn(ctx, conn, tool, arguments, false)
	}

	var result *protocol.CallToolResult
	err = c.withRetry("tools/call", func(conn *protocol.Conn) error {
		r, err := c.callOnConn(ctx, conn, tool, arguments, true)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *TCPClient) callOnConn(ctx context.Context, conn *protocol.Conn, tool string,
	arguments map[string]any, track bool) (*protocol.CallToolResult, error) {

	id := conn.NextID()
	if track {
		c.shared.setCall(conn, id)
		defer c.shared.clearCall()
	}

	resp, err := conn.CallID(ctx, id, protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      tool,
		Arguments: arguments,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Caller-side cancellation (background task abort): tell the
			// server before giving up on the call.
			_ = conn.Notify(protocol.NotificationCancelled, protocol.CancelledParams{
				RequestID: id,
				Reason:    "task cancelled",
			})
			return cancelResult(tool, "task cancelled"), nil
		}
		return nil, err
	}

	if resp.Error != nil {
		if resp.Error.Code == protocol.RequestCancelled ||
			strings.Contains(strings.ToLower(resp.Error.Message), "cancel") {
			return cancelResult(tool, resp.Error.Message), nil
		}
		return nil, fmt.Errorf("tool call %s failed: %s", tool, resp.Error.Message)
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &result, nil
}

// cancelResult synthesizes a successful result for a cancelled call, so
// cancellation never surfaces as a transport error.
func cancelResult(tool, reason string) *protocol.CallToolResult {
	if reason == "" {
		reason = "用户取消了本次工具调用"
	}
	return &protocol.CallToolResult{
		Content: []protocol.ContentBlock{
			protocol.TextContent(fmt.Sprintf("tool_cancel\nname=%s\nmessage=%s", tool, reason)),
		},
	}
}

func (c *TCPClient) handleServerRequest(ctx context.Context, conn *protocol.Conn,
	method string, params json.RawMessage) (any, *protocol.Error) {

	switch method {
	case protocol.MethodElicitation:
		var p protocol.ElicitationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "bad elicitation params"}
		}
		return c.handleElicitation(ctx, conn, &p)

	case protocol.MethodRootsList:
		cwd, err := os.Getwd()
		if err != nil {
			return nil, &protocol.Error{Code: protocol.InternalError, Message: err.Error()}
		}
		return protocol.ListRootsResult{
			Roots: []protocol.Root{{
				URI:  "file://" + cwd,
				Name: "Current Working Directory",
			}},
		}, nil

	default:
		return nil, &protocol.Error{Code: protocol.MethodNotFound, Message: "unsupported method: " + method}
	}
}

// handleElicitation answers a server-initiated elicitation/create: prompt the
// user through the output bus, wait for the next input event of this session
// on the input bus, and convert the answer to the requested schema.
func (c *TCPClient) handleElicitation(ctx context.Context, conn *protocol.Conn,
	p *protocol.ElicitationParams) (any, *protocol.Error) {

	c.shared.mu.Lock()
	c.shared.lastElicitMessage = p.Message
	c.shared.lastElicitSchema = p.RequestedSchema
	c.shared.mu.Unlock()

	c.elicitations.SetActive(c.sessionID, true)
	defer c.elicitations.SetActive(c.sessionID, false)

	prompt := events.NewOutputEvent(events.TargetDefault, "mcp", map[string]any{
		"type":    events.TypeElicitation,
		"message": p.Message,
		"schema":  p.RequestedSchema,
	})
	prompt.SessionID = c.sessionID
	prompt.Style = "neutral"
	if err := c.outputBus.Publish(ctx, prompt); err != nil {
		c.logger.Warn("Failed to publish elicitation prompt", zap.Error(err))
	}

	sub, err := c.inputBus.Subscribe()
	if err != nil {
		return nil, &protocol.Error{Code: protocol.InternalError, Message: err.Error()}
	}
	defer func() { _ = sub.Unsubscribe() }()

	var answer *events.InputEvent
	for answer == nil {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil, &protocol.Error{Code: protocol.InternalError, Message: "input bus closed"}
			}
			if ev.EffectiveSessionID() == c.sessionID {
				answer = ev
			}
		case <-ctx.Done():
			return nil, &protocol.Error{Code: protocol.InternalError, Message: "elicitation aborted"}
		case <-conn.Done():
			return nil, &protocol.Error{Code: protocol.InternalError, Message: "connection closed"}
		}
	}

	input := answer.AnswerText()

	if IsCancelText(input) {
		c.consumed.MarkConsumed(answer.ID)

		cancelEv := events.NewOutputEvent(events.TargetDefault, "mcp", map[string]any{
			"type":    events.TypeToolCancel,
			"message": "已取消本次工具调用",
		})
		cancelEv.SessionID = c.sessionID
		cancelEv.Style = "neutral"
		_ = c.outputBus.Publish(ctx, cancelEv)

		if callConn, callID, ok := c.shared.call(); ok && callConn == conn {
			_ = conn.Notify(protocol.NotificationCancelled, protocol.CancelledParams{
				RequestID: callID,
				Reason:    "user cancelled",
			})
		}
		return protocol.ElicitationResult{Action: protocol.ActionCancel}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(input), &parsed); err == nil {
		c.consumed.MarkConsumed(answer.ID)
		return protocol.ElicitationResult{Action: protocol.ActionAccept, Content: parsed}, nil
	}

	// Natural language answer: ask the LLM to shape it to the schema.
	schemaStr, _ := json.MarshalIndent(p.RequestedSchema, "", "  ")
	systemPrompt := fmt.Sprintf(
		"You are a helpful assistant that converts natural language input into a JSON object based on a provided schema.\n"+
			"Schema:\n%s\n"+
			"Context Message: %s\n\n"+
			"Instructions:\n"+
			"1. Analyze the user's natural language input.\n"+
			"2. Map the input to the fields in the JSON schema.\n"+
			"3. If a field is missing in the input but required by the schema, use null.\n"+
			"4. Return ONLY the valid JSON object. Do not include markdown formatting (like ```json ... ```) or any explanations.\n",
		string(schemaStr), p.Message)

	out, err := c.llm.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        input,
		Temperature: 0.1,
	})
	if err != nil {
		c.logger.Error("Elicitation LLM call failed", zap.Error(err))
		return nil, &protocol.Error{
			Code:    protocol.InternalError,
			Message: fmt.Sprintf("LLM transformation failed: %v", err),
		}
	}

	obj, err := jsonutil.ParseObject(out.Content)
	if err != nil {
		c.logger.Error("Elicitation LLM produced invalid JSON", zap.Error(err))
		return nil, &protocol.Error{
			Code:    protocol.InvalidParams,
			Message: fmt.Sprintf("Failed to parse LLM output as JSON: %v", err),
		}
	}

	c.consumed.MarkConsumed(answer.ID)
	return protocol.ElicitationResult{Action: protocol.ActionAccept, Content: obj}, nil
}

func (c *TCPClient) handleNotification(method string, params json.RawMessage) {
	switch method {
	case protocol.NotificationProgress:
		var p protocol.ProgressParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		ev := events.NewOutputEvent(events.TargetDefault, "mcp", map[string]any{
			"type":     events.TypeProgress,
			"token":    p.ProgressToken,
			"progress": p.Progress,
			"total":    p.Total,
			"message":  p.Message,
		})
		ev.SessionID = c.sessionID
		ev.Style = "neutral"
		if err := c.outputBus.Publish(c.baseCtx, ev); err != nil {
			c.logger.Warn("Failed to publish progress event", zap.Error(err))
		}
	}
}
