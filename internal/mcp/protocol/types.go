// Package protocol implements line-delimited JSON-RPC 2.0 framing for the
// MCP tool server transport, including server-initiated requests.
package protocol

import "encoding/json"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Notification represents a JSON-RPC 2.0 notification.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError       = -32700
	InvalidRequest   = -32600
	MethodNotFound   = -32601
	InvalidParams    = -32602
	InternalError    = -32603
	RequestCancelled = -32800
)

// ProtocolVersion is the MCP revision spoken by this client.
const ProtocolVersion = "2024-11-05"

// MCP methods.
const (
	MethodInitialize  = "initialize"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodElicitation = "elicitation/create"
	MethodRootsList   = "roots/list"

	NotificationInitialized = "notifications/initialized"
	NotificationProgress    = "notifications/progress"
	NotificationCancelled   = "notifications/cancelled"
)

// Implementation identifies a protocol peer.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RootsCapability advertises roots/list support.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ClientCapabilities describes what the client supports. Elicitation and
// roots are both enabled so the server can ask back mid-call.
type ClientCapabilities struct {
	Elicitation map[string]any   `json:"elicitation,omitempty"`
	Roots       *RootsCapability `json:"roots,omitempty"`
}

// InitializeParams for the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult from the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      Implementation  `json:"serverInfo"`
}

// Tool is one catalog entry from tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// IsLongRunning reads the isLongRunning flag from the tool metadata.
func (t *Tool) IsLongRunning() bool {
	if t.Meta == nil {
		return false
	}
	v, _ := t.Meta["isLongRunning"].(bool)
	return v
}

// ListToolsResult from tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams for tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one piece of tool result content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent creates a text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// CallToolResult from tools/call.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the result's text content blocks.
func (r *CallToolResult) Text() string {
	out := ""
	for _, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// ElicitationParams is a server-initiated elicitation/create request.
type ElicitationParams struct {
	Message         string         `json:"message"`
	RequestedSchema map[string]any `json:"requestedSchema,omitempty"`
}

// Elicitation result actions.
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
	ActionCancel  = "cancel"
)

// ElicitationResult is the client's answer to elicitation/create.
type ElicitationResult struct {
	Action  string `json:"action"`
	Content any    `json:"content,omitempty"`
}

// Root is one entry of the roots/list result.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult answers a server roots/list request.
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}

// ProgressParams is a notifications/progress payload.
type ProgressParams struct {
	ProgressToken any      `json:"progressToken"`
	Progress      float64  `json:"progress"`
	Total         *float64 `json:"total,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// CancelledParams is a notifications/cancelled payload.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}
