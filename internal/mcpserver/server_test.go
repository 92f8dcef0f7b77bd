package mcpserver

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/mcp/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

// startServer runs a server on an ephemeral port and returns a connected
// client conn.
func startServer(t *testing.T, onRequest protocol.RequestHandler) *protocol.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := New(Config{Addr: "127.0.0.1:0"}, testLogger(t))
	go server.Start(ctx)
	t.Cleanup(server.Stop)

	var raw net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", server.Addr())
		if err != nil {
			return false
		}
		raw = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { raw.Close() })

	conn := protocol.NewConn(raw, testLogger(t))
	if onRequest != nil {
		conn.SetRequestHandler(onRequest)
	}
	conn.Start(ctx)
	return conn
}

func callTool(t *testing.T, conn *protocol.Conn, name string, args map[string]any) (*protocol.CallToolResult, *protocol.Error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := conn.Call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result, nil
}

func TestInitializeAndListTools(t *testing.T) {
	conn := startServer(t, nil)
	ctx := context.Background()

	resp, err := conn.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      protocol.Implementation{Name: "test", Version: "0.0.1"},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	var init protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &init))
	assert.Equal(t, "robocore-tools", init.ServerInfo.Name)

	resp, err = conn.Call(ctx, protocol.MethodToolsList, nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))

	names := make(map[string]protocol.Tool, len(list.Tools))
	for _, tool := range list.Tools {
		names[tool.Name] = tool
	}
	for _, want := range []string{"echo", "get_current_datetime", "get_weather", "sum", "division", "long_term_test"} {
		assert.Contains(t, names, want)
	}
	long := names["long_term_test"]
	assert.True(t, long.IsLongRunning())
	echo := names["echo"]
	assert.False(t, echo.IsLongRunning())
}

func TestCallSumAndDivision(t *testing.T) {
	conn := startServer(t, nil)

	result, rpcErr := callTool(t, conn, "sum", map[string]any{"a": 2, "b": 3})
	require.Nil(t, rpcErr)
	assert.Equal(t, "5", result.Text())

	result, rpcErr = callTool(t, conn, "division", map[string]any{"a": 9, "b": 2})
	require.Nil(t, rpcErr)
	assert.Equal(t, "4.5", result.Text())

	_, rpcErr = callTool(t, conn, "division", map[string]any{"a": 1, "b": 0})
	require.NotNil(t, rpcErr)
	assert.Contains(t, rpcErr.Message, "division by zero")
}

func TestCallUnknownTool(t *testing.T) {
	conn := startServer(t, nil)

	_, rpcErr := callTool(t, conn, "no_such_tool", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
}

func TestElicitationSuppliesMissingArgument(t *testing.T) {
	elicited := make(chan protocol.ElicitationParams, 1)
	conn := startServer(t, func(ctx context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
		require.Equal(t, protocol.MethodElicitation, method)
		var p protocol.ElicitationParams
		require.NoError(t, json.Unmarshal(params, &p))
		elicited <- p
		return protocol.ElicitationResult{
			Action:  protocol.ActionAccept,
			Content: map[string]any{"city": "Paris"},
		}, nil
	})

	result, rpcErr := callTool(t, conn, "get_weather", nil)
	require.Nil(t, rpcErr)
	assert.Contains(t, result.Text(), "Paris")

	select {
	case p := <-elicited:
		assert.Contains(t, p.Message, "get_weather")
		assert.Contains(t, p.Message, "city")
	default:
		t.Fatal("server never elicited the missing argument")
	}
}

func TestElicitationDeclineCancelsCall(t *testing.T) {
	conn := startServer(t, func(ctx context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
		return protocol.ElicitationResult{Action: protocol.ActionDecline}, nil
	})

	_, rpcErr := callTool(t, conn, "echo", map[string]any{})
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.RequestCancelled, rpcErr.Code)
}

func TestCancelledNotificationStopsLongTask(t *testing.T) {
	conn := startServer(t, nil)

	id := conn.NextID()
	done := make(chan *protocol.Response, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := conn.CallID(ctx, id, protocol.MethodToolsCall, protocol.CallToolParams{Name: "long_term_test"})
		if err == nil {
			done <- resp
		}
	}()

	// Give the server a moment to start the call before cancelling it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.Notify(protocol.NotificationCancelled, protocol.CancelledParams{
		RequestID: id,
		Reason:    "user requested cancellation",
	}))

	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.RequestCancelled, resp.Error.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled call never returned")
	}
}
