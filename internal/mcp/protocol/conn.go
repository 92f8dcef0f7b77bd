package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/logger"
)

// RequestHandler answers a server-initiated request. Returning a non-nil
// *Error sends an error response instead of a result.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *Error)

type requestIDKey struct{}

// RequestIDFromContext returns the normalized id of the request a handler is
// serving. Cancellation notifications reference this id.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// NotificationHandler receives incoming notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Conn handles bidirectional JSON-RPC 2.0 over a newline-delimited stream.
// Outgoing requests are matched to responses through a pending map; incoming
// requests and notifications are dispatched to the registered handlers.
type Conn struct {
	rwc     io.ReadWriteCloser
	writeMu sync.Mutex

	requestID atomic.Int64
	pending   map[string]chan *Response
	mu        sync.Mutex

	onRequest      RequestHandler
	onNotification NotificationHandler

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection over the given stream. Call Start before
// issuing requests.
func NewConn(rwc io.ReadWriteCloser, log *logger.Logger) *Conn {
	return &Conn{
		rwc:     rwc,
		pending: make(map[string]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc")),
		done:    make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for incoming server requests.
func (c *Conn) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Conn) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// Start begins reading messages from the stream.
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close tears the connection down. Pending calls fail with a closed error.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.rwc.Close()
	})
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// NextID allocates a request id. Exposed so callers can record the id of an
// in-flight request before issuing it (cancellation needs it).
func (c *Conn) NextID() int64 {
	return c.requestID.Add(1)
}

// Call sends a request and waits for the matching response.
func (c *Conn) Call(ctx context.Context, method string, params any) (*Response, error) {
	return c.CallID(ctx, c.NextID(), method, params)
}

// CallID sends a request with a caller-allocated id and waits for the
// matching response.
func (c *Conn) CallID(ctx context.Context, id int64, method string, params any) (*Response, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	key := strconv.FormatInt(id, 10)
	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[key] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	})
}

// Respond answers an incoming request by raw id.
func (c *Conn) Respond(id any, result any, rpcErr *Error) error {
	resp := &Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resp.Result = data
	}
	return c.send(resp)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// envelope covers all three JSON-RPC message shapes for dispatch.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.Close()

	scanner := bufio.NewScanner(c.rwc)
	// Increase buffer size for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg envelope
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("received malformed message", zap.String("data", string(line)))
			continue
		}

		switch {
		case msg.Method != "" && len(msg.ID) > 0:
			c.handleIncomingRequest(ctx, &msg)
		case msg.Method != "":
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		case len(msg.ID) > 0:
			c.handleResponse(&msg)
		default:
			c.logger.Warn("received unknown message format", zap.String("data", string(line)))
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("read loop ended", zap.Error(err))
	}
}

func (c *Conn) handleIncomingRequest(ctx context.Context, msg *envelope) {
	var id any
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return
	}

	if c.onRequest == nil {
		_ = c.Respond(id, nil, &Error{Code: MethodNotFound, Message: "no request handler"})
		return
	}

	// Handlers may block on user input, so each request gets its own goroutine.
	go func() {
		ctx := context.WithValue(ctx, requestIDKey{}, idKey(msg.ID))
		result, rpcErr := c.onRequest(ctx, msg.Method, msg.Params)
		if err := c.Respond(id, result, rpcErr); err != nil {
			c.logger.Warn("failed to respond to server request",
				zap.String("method", msg.Method),
				zap.Error(err))
		}
	}()
}

func (c *Conn) handleResponse(msg *envelope) {
	key := idKey(msg.ID)

	c.mu.Lock()
	ch, ok := c.pending[key]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", zap.String("id", key))
		return
	}

	var id any
	_ = json.Unmarshal(msg.ID, &id)
	ch <- &Response{JSONRPC: msg.JSONRPC, ID: id, Result: msg.Result, Error: msg.Error}
}

// idKey normalizes a raw JSON id to the pending-map key format.
func idKey(raw json.RawMessage) string {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
