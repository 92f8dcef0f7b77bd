package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/events/bus"
	"github.com/robocore/robocore/internal/llm"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

type stubLLM struct {
	content string
	err     error
	mu      sync.Mutex
	calls   []llm.Request
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (*llm.Output, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Output{Content: s.content}, nil
}

// fakeToolServer speaks newline-delimited JSON-RPC on a local listener. Each
// accepted connection handles initialize/tools/list and routes tools/call to
// the configured handler.
type fakeToolServer struct {
	t     *testing.T
	ln    net.Listener
	tools []map[string]any

	onCall func(sc *serverConn, id any, name string, args map[string]any)

	killFirstList atomic.Bool
	cancelled     chan map[string]any
	connCount     atomic.Int32
}

type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	reqID   atomic.Int64
	pending sync.Map // int64 -> chan json.RawMessage
}

func (sc *serverConn) writeLine(v any) {
	data, _ := json.Marshal(v)
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_, _ = sc.conn.Write(append(data, '\n'))
}

func (sc *serverConn) respond(id any, result any) {
	raw, _ := json.Marshal(result)
	sc.writeLine(map[string]any{"jsonrpc": "2.0", "id": id, "result": json.RawMessage(raw)})
}

func (sc *serverConn) respondError(id any, code int, msg string) {
	sc.writeLine(map[string]any{"jsonrpc": "2.0", "id": id,
		"error": map[string]any{"code": code, "message": msg}})
}

// request issues a server-initiated request and waits for the client answer.
func (sc *serverConn) request(method string, params any) (json.RawMessage, bool) {
	id := sc.reqID.Add(1000)
	ch := make(chan json.RawMessage, 1)
	sc.pending.Store(id, ch)
	defer sc.pending.Delete(id)

	rawParams, _ := json.Marshal(params)
	sc.writeLine(map[string]any{"jsonrpc": "2.0", "id": id, "method": method,
		"params": json.RawMessage(rawParams)})

	select {
	case resp := <-ch:
		return resp, true
	case <-time.After(5 * time.Second):
		return nil, false
	}
}

func newFakeToolServer(t *testing.T, tools []map[string]any) *fakeToolServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeToolServer{
		t:         t,
		ln:        ln,
		tools:     tools,
		cancelled: make(chan map[string]any, 4),
	}
	go s.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeToolServer) addr() string { return s.ln.Addr().String() }

func (s *fakeToolServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.connCount.Add(1)
		go s.serve(conn)
	}
}

func (s *fakeToolServer) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	sc := &serverConn{conn: conn}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg struct {
			ID     json.RawMessage `json:"id,omitempty"`
			Method string          `json:"method,omitempty"`
			Params json.RawMessage `json:"params,omitempty"`
			Result json.RawMessage `json:"result,omitempty"`
			Error  json.RawMessage `json:"error,omitempty"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		// Responses to server-initiated requests.
		if msg.Method == "" && len(msg.ID) > 0 {
			var id int64
			if err := json.Unmarshal(msg.ID, &id); err == nil {
				if ch, ok := sc.pending.Load(id); ok {
					ch.(chan json.RawMessage) <- msg.Result
				}
			}
			continue
		}

		var id any
		if len(msg.ID) > 0 {
			_ = json.Unmarshal(msg.ID, &id)
		}

		switch msg.Method {
		case "initialize":
			sc.respond(id, map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "fake-tools", "version": "0.0.1"},
			})
		case "notifications/initialized":
		case "tools/list":
			if s.killFirstList.CompareAndSwap(true, false) {
				return
			}
			sc.respond(id, map[string]any{"tools": s.tools})
		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			if s.onCall != nil {
				go s.onCall(sc, id, params.Name, params.Arguments)
			} else {
				sc.respondError(id, -32601, "no call handler")
			}
		case "notifications/cancelled":
			var p map[string]any
			_ = json.Unmarshal(msg.Params, &p)
			s.cancelled <- p
		}
	}
}

func echoToolDef() map[string]any {
	return map[string]any{
		"name":        "echo",
		"description": "Echoes the message back",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []any{"message"},
		},
	}
}

func weatherToolDef() map[string]any {
	return map[string]any{
		"name":        "get_weather",
		"description": "Reports the weather for a city",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []any{"city"},
		},
	}
}

type clientHarness struct {
	client       *TCPClient
	inputBus     bus.Bus[*events.InputEvent]
	outputBus    bus.Bus[*events.OutputEvent]
	consumed     *events.ConsumedSet
	elicitations *events.ElicitationSet
}

func newClientHarness(t *testing.T, addr, sessionID string, llmClient llm.Client) *clientHarness {
	t.Helper()
	log := testLogger(t)
	h := &clientHarness{
		inputBus:     bus.NewMemoryBus[*events.InputEvent](log),
		outputBus:    bus.NewMemoryBus[*events.OutputEvent](log),
		consumed:     events.NewConsumedSet(),
		elicitations: events.NewElicitationSet(),
	}
	h.client = NewTCPClient(context.Background(), addr, sessionID, llmClient, log).
		WithBuses(h.inputBus, h.outputBus, h.consumed, h.elicitations)
	t.Cleanup(h.client.Close)
	return h
}

func TestListToolsAndCall(t *testing.T) {
	server := newFakeToolServer(t, []map[string]any{echoToolDef()})
	server.onCall = func(sc *serverConn, id any, name string, args map[string]any) {
		require.Equal(t, "echo", name)
		sc.respond(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": args["message"]}},
		})
	}

	h := newClientHarness(t, server.addr(), "sess-1", &stubLLM{content: "{}"})

	tools, err := h.client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.False(t, tools[0].IsLongRunning)

	fields, err := h.client.RequiredFields(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, []string{"message"}, fields)

	result, err := h.client.Call(context.Background(), "echo", map[string]any{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text())
}

func TestMissingRequiredTriggersElicitation(t *testing.T) {
	server := newFakeToolServer(t, []map[string]any{weatherToolDef()})
	server.onCall = func(sc *serverConn, id any, name string, args map[string]any) {
		// No city argument: ask the client for it.
		require.Empty(t, args)
		resp, ok := sc.request("elicitation/create", map[string]any{
			"message":         "Which city?",
			"requestedSchema": weatherToolDef()["inputSchema"],
		})
		require.True(t, ok, "no elicitation response")

		var elicit struct {
			Action  string         `json:"action"`
			Content map[string]any `json:"content"`
		}
		require.NoError(t, json.Unmarshal(resp, &elicit))
		require.Equal(t, "accept", elicit.Action)
		sc.respond(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "Sunny in " + elicit.Content["city"].(string)}},
		})
	}

	h := newClientHarness(t, server.addr(), "sess-1", &stubLLM{content: "{}"})
	outSub, err := h.outputBus.Subscribe()
	require.NoError(t, err)

	answered := make(chan struct{})
	go func() {
		defer close(answered)
		// Wait for the elicitation prompt, then answer on the input bus.
		for ev := range outSub.C() {
			if ev.ContentType() != events.TypeElicitation {
				continue
			}
			assert.True(t, h.elicitations.IsActive("sess-1"))
			answer := events.NewInputEvent("tcp", map[string]any{"content": `{"city": "Tokyo"}`})
			answer.SessionID = "sess-1"
			require.NoError(t, h.inputBus.Publish(context.Background(), answer))
			// The accepted answer must be marked consumed.
			require.Eventually(t, func() bool {
				return h.consumed.CheckAndRemove(answer.ID)
			}, 2*time.Second, 10*time.Millisecond)
			return
		}
	}()

	result, err := h.client.Call(context.Background(), "get_weather", map[string]any{"city": nil})
	require.NoError(t, err)
	assert.Equal(t, "Sunny in Tokyo", result.Text())

	select {
	case <-answered:
	case <-time.After(5 * time.Second):
		t.Fatal("elicitation round-trip did not complete")
	}
	assert.False(t, h.elicitations.IsActive("sess-1"))
}

func TestElicitationCancelWord(t *testing.T) {
	server := newFakeToolServer(t, []map[string]any{weatherToolDef()})
	server.onCall = func(sc *serverConn, id any, name string, args map[string]any) {
		resp, ok := sc.request("elicitation/create", map[string]any{
			"message":         "Which city?",
			"requestedSchema": weatherToolDef()["inputSchema"],
		})
		require.True(t, ok)

		var elicit struct {
			Action string `json:"action"`
		}
		require.NoError(t, json.Unmarshal(resp, &elicit))
		require.Equal(t, "cancel", elicit.Action)
		sc.respondError(id, -32800, "cancelled")
	}

	h := newClientHarness(t, server.addr(), "sess-1", &stubLLM{content: "{}"})
	outSub, err := h.outputBus.Subscribe()
	require.NoError(t, err)

	var answerID string
	sawToolCancel := make(chan struct{})
	go func() {
		for ev := range outSub.C() {
			switch ev.ContentType() {
			case events.TypeElicitation:
				answer := events.NewInputEvent("tcp", map[string]any{"content": "算了"})
				answer.SessionID = "sess-1"
				answerID = answer.ID
				require.NoError(t, h.inputBus.Publish(context.Background(), answer))
			case events.TypeToolCancel:
				close(sawToolCancel)
				return
			}
		}
	}()

	result, err := h.client.Call(context.Background(), "get_weather", map[string]any{"city": "null"})
	require.NoError(t, err, "cancellation must not surface as an error")
	assert.Contains(t, result.Text(), "tool_cancel")
	assert.Contains(t, result.Text(), "get_weather")

	select {
	case <-sawToolCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("no tool_cancel output event")
	}

	// The server was told which request to cancel.
	select {
	case p := <-server.cancelled:
		assert.NotNil(t, p["requestId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no cancelled notification reached the server")
	}

	assert.True(t, h.consumed.CheckAndRemove(answerID), "cancel word event is consumed")
}

func TestElicitationNaturalLanguageViaLLM(t *testing.T) {
	server := newFakeToolServer(t, []map[string]any{weatherToolDef()})
	server.onCall = func(sc *serverConn, id any, name string, args map[string]any) {
		resp, ok := sc.request("elicitation/create", map[string]any{
			"message":         "Which city?",
			"requestedSchema": weatherToolDef()["inputSchema"],
		})
		require.True(t, ok)

		var elicit struct {
			Action  string         `json:"action"`
			Content map[string]any `json:"content"`
		}
		require.NoError(t, json.Unmarshal(resp, &elicit))
		require.Equal(t, "accept", elicit.Action)
		sc.respond(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok:" + elicit.Content["city"].(string)}},
		})
	}

	mock := &stubLLM{content: "```json\n{\"city\": \"Paris\"}\n```"}
	h := newClientHarness(t, server.addr(), "sess-1", mock)
	outSub, err := h.outputBus.Subscribe()
	require.NoError(t, err)

	go func() {
		for ev := range outSub.C() {
			if ev.ContentType() == events.TypeElicitation {
				answer := events.NewInputEvent("tcp", map[string]any{"content": "the capital of France please"})
				answer.SessionID = "sess-1"
				_ = h.inputBus.Publish(context.Background(), answer)
				return
			}
		}
	}()

	result, err := h.client.Call(context.Background(), "get_weather", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "ok:Paris", result.Text())

	mock.mu.Lock()
	defer mock.mu.Unlock()
	require.Len(t, mock.calls, 1)
	assert.Contains(t, mock.calls[0].System, "Which city?")
}

func TestElicitationIgnoresOtherSessions(t *testing.T) {
	server := newFakeToolServer(t, []map[string]any{weatherToolDef()})
	server.onCall = func(sc *serverConn, id any, name string, args map[string]any) {
		resp, ok := sc.request("elicitation/create", map[string]any{
			"message":         "Which city?",
			"requestedSchema": weatherToolDef()["inputSchema"],
		})
		require.True(t, ok)
		var elicit struct {
			Action  string         `json:"action"`
			Content map[string]any `json:"content"`
		}
		require.NoError(t, json.Unmarshal(resp, &elicit))
		sc.respond(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": elicit.Content["city"].(string)}},
		})
	}

	h := newClientHarness(t, server.addr(), "sess-1", &stubLLM{content: "{}"})
	outSub, err := h.outputBus.Subscribe()
	require.NoError(t, err)

	var strayID string
	go func() {
		for ev := range outSub.C() {
			if ev.ContentType() == events.TypeElicitation {
				stray := events.NewInputEvent("tcp", map[string]any{"content": `{"city": "Wrong"}`})
				stray.SessionID = "other-session"
				strayID = stray.ID
				_ = h.inputBus.Publish(context.Background(), stray)

				answer := events.NewInputEvent("tcp", map[string]any{"content": `{"city": "Right"}`})
				answer.SessionID = "sess-1"
				_ = h.inputBus.Publish(context.Background(), answer)
				return
			}
		}
	}()

	result, err := h.client.Call(context.Background(), "get_weather", nil)
	require.NoError(t, err)
	assert.Equal(t, "Right", result.Text())
	assert.False(t, h.consumed.CheckAndRemove(strayID), "other-session event is not consumed")
}

func TestReconnectOnceOnTransportError(t *testing.T) {
	server := newFakeToolServer(t, []map[string]any{echoToolDef()})
	server.killFirstList.Store(true)

	h := newClientHarness(t, server.addr(), "sess-1", &stubLLM{content: "{}"})

	tools, err := h.client.ListTools(context.Background())
	require.NoError(t, err, "operation retries once on a fresh connection")
	require.Len(t, tools, 1)
	assert.GreaterOrEqual(t, server.connCount.Load(), int32(2))
}

func TestLongRunningToolUsesDedicatedConnection(t *testing.T) {
	longDef := map[string]any{
		"name":        "long_term_test",
		"description": "Runs for a while",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
		"_meta":       map[string]any{"isLongRunning": true},
	}
	server := newFakeToolServer(t, []map[string]any{longDef})
	server.onCall = func(sc *serverConn, id any, name string, args map[string]any) {
		sc.respond(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "done"}},
		})
	}

	h := newClientHarness(t, server.addr(), "sess-1", &stubLLM{content: "{}"})

	// Prime the persistent connection.
	_, err := h.client.ListTools(context.Background())
	require.NoError(t, err)
	base := server.connCount.Load()

	result, err := h.client.Call(context.Background(), "long_term_test", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text())
	assert.Greater(t, server.connCount.Load(), base, "long-running call opens its own connection")
}

func TestIsCancelText(t *testing.T) {
	for _, s := range []string{"算了", "不用了", "取消", "停止", "不需要了",
		"stop", "CANCEL", "  never mind ", "nevermind", "quit", "exit"} {
		assert.True(t, IsCancelText(s), s)
	}
	for _, s := range []string{"", "yes", "Tokyo", "continue"} {
		assert.False(t, IsCancelText(s), s)
	}
}
