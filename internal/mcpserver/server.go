// Package mcpserver is the demo MCP tool server: raw TCP, newline-delimited
// JSON-RPC, server-initiated elicitation for missing required arguments,
// progress notifications, and cancellable long-running tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/mcp/protocol"
)

// Config holds the tool server configuration.
type Config struct {
	Addr string
}

// Server accepts MCP client connections and serves the demo tool set.
type Server struct {
	cfg      Config
	listener net.Listener

	mu      sync.Mutex
	running bool

	logger *logger.Logger
}

// New creates a server; Start binds and serves.
func New(cfg Config, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mcp_server")),
	}
}

// Start binds the listener and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("MCP tool server listening", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Accept error", zap.Error(err))
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.running = false
	}
}

// connSession is one client connection: its JSON-RPC conn plus the cancel
// handles of in-flight tool calls.
type connSession struct {
	conn   *protocol.Conn
	logger *logger.Logger

	mu    sync.Mutex
	calls map[string]context.CancelFunc
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	log := s.logger.WithFields(zap.String("remote", raw.RemoteAddr().String()))
	log.Info("Client connected")

	sess := &connSession{
		conn:   protocol.NewConn(raw, log),
		logger: log,
		calls:  make(map[string]context.CancelFunc),
	}
	sess.conn.SetRequestHandler(sess.handleRequest)
	sess.conn.SetNotificationHandler(sess.handleNotification)
	sess.conn.Start(ctx)

	<-sess.conn.Done()
	log.Info("Client disconnected")
}

func (c *connSession) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
	switch method {
	case protocol.MethodInitialize:
		return protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			ServerInfo:      protocol.Implementation{Name: "robocore-tools", Version: "0.1.0"},
			Capabilities:    json.RawMessage(`{"tools":{}}`),
		}, nil

	case protocol.MethodToolsList:
		return protocol.ListToolsResult{Tools: toolCatalog()}, nil

	case protocol.MethodToolsCall:
		var call protocol.CallToolParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, &protocol.Error{Code: protocol.InvalidParams, Message: err.Error()}
		}
		return c.callTool(ctx, &call)

	default:
		return nil, &protocol.Error{Code: protocol.MethodNotFound, Message: "unknown method: " + method}
	}
}

func (c *connSession) handleNotification(method string, params json.RawMessage) {
	if method != protocol.NotificationCancelled {
		return
	}
	var cancelled protocol.CancelledParams
	if err := json.Unmarshal(params, &cancelled); err != nil {
		return
	}
	key := fmt.Sprintf("%v", cancelled.RequestID)
	if num, ok := cancelled.RequestID.(float64); ok {
		key = strconv.FormatInt(int64(num), 10)
	}

	c.mu.Lock()
	cancel, ok := c.calls[key]
	c.mu.Unlock()
	if ok {
		c.logger.Info("Cancelling in-flight call", zap.String("request_id", key))
		cancel()
	}
}

func (c *connSession) callTool(ctx context.Context, call *protocol.CallToolParams) (any, *protocol.Error) {
	tool := findTool(call.Name)
	if tool == nil {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "unknown tool: " + call.Name}
	}

	args, rpcErr := c.ensureArguments(ctx, tool, call.Arguments)
	if rpcErr != nil {
		return nil, rpcErr
	}

	callCtx := ctx
	if requestID, ok := protocol.RequestIDFromContext(ctx); ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithCancel(ctx)
		defer cancel()

		c.mu.Lock()
		c.calls[requestID] = cancel
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.calls, requestID)
			c.mu.Unlock()
		}()
	}

	result, err := tool.run(callCtx, c, args)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, &protocol.Error{Code: protocol.RequestCancelled, Message: "request cancelled"}
		}
		return nil, &protocol.Error{Code: protocol.InternalError, Message: err.Error()}
	}
	return result, nil
}

// ensureArguments elicits any missing required arguments from the client and
// merges the accepted answer into the call arguments.
func (c *connSession) ensureArguments(ctx context.Context, tool *toolDef, args map[string]any) (map[string]any, *protocol.Error) {
	if args == nil {
		args = make(map[string]any)
	}

	var missing []string
	for _, field := range tool.required {
		if v, ok := args[field]; !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return args, nil
	}

	c.logger.Info("Eliciting missing arguments",
		zap.String("tool", tool.def.Name), zap.Strings("missing", missing))

	resp, err := c.conn.Call(ctx, protocol.MethodElicitation, protocol.ElicitationParams{
		Message:         fmt.Sprintf("Tool '%s' needs: %v", tool.def.Name, missing),
		RequestedSchema: tool.def.InputSchema,
	})
	if err != nil {
		return nil, &protocol.Error{Code: protocol.InternalError, Message: err.Error()}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result protocol.ElicitationResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: err.Error()}
	}
	if result.Action != protocol.ActionAccept {
		return nil, &protocol.Error{Code: protocol.RequestCancelled, Message: "request cancelled by user"}
	}

	if content, ok := result.Content.(map[string]any); ok {
		for k, v := range content {
			if _, exists := args[k]; !exists || args[k] == nil || args[k] == "" {
				args[k] = v
			}
		}
	}
	return args, nil
}
