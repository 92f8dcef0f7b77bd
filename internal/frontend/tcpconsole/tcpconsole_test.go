package tcpconsole

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func pollEvent(t *testing.T, in *Input) *events.InputEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		event, err := in.Poll(context.Background())
		require.NoError(t, err)
		if event != nil {
			return event
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for input event")
	return nil
}

func TestConsoleRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outputBus := bus.NewMemoryBus[*events.OutputEvent](testLogger(t))
	defer outputBus.Close()
	echoSub, err := outputBus.Subscribe()
	require.NoError(t, err)

	console, err := New("127.0.0.1:0", testLogger(t))
	require.NoError(t, err)
	console.WithOutputBus(outputBus)
	go console.Serve(ctx)

	conn, err := net.Dial("tcp", console.Addr())
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	welcome, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, welcome, "Welcome")
	sessionLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sessionLine, "Session ID: "))

	_, err = conn.Write([]byte("Hello Server\n"))
	require.NoError(t, err)

	event := pollEvent(t, console.Input())
	assert.Equal(t, "tcp", event.Source)
	assert.Equal(t, "Hello Server", event.Payload["content"])
	assert.NotEmpty(t, event.SessionID)
	require.NotNil(t, event.SourceMeta)
	assert.Equal(t, "content", event.SourceMeta.ContentField)

	// The user message is echoed on the output bus for broadcast.
	select {
	case echo := <-echoSub.C():
		assert.Equal(t, events.TargetAll, echo.Target)
		assert.Equal(t, "user", echo.Source)
		assert.Equal(t, events.TypeUserMessage, echo.ContentType())
	case <-time.After(2 * time.Second):
		t.Fatal("no user echo on the output bus")
	}

	// Session-targeted output reaches this connection.
	out := events.NewTextOutput("tcp", event.SessionID, "Response from Test")
	require.NoError(t, console.Output().Emit(context.Background(), out))

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "Response from Test")
}

func TestOutputTargetsOnlyMatchingSession(t *testing.T) {
	console, err := New("127.0.0.1:0", testLogger(t))
	require.NoError(t, err)
	console.WithOutputBus(bus.NewMemoryBus[*events.OutputEvent](testLogger(t)))

	a := make(chan string, 4)
	b := make(chan string, 4)
	console.peers["sess-a"] = a
	console.peers["sess-b"] = b

	out := events.NewTextOutput("tcp", "sess-a", "only for a")
	require.NoError(t, console.Output().Emit(context.Background(), out))
	assert.Len(t, a, 1)
	assert.Empty(t, b)

	broadcast := events.NewOutputEvent(events.TargetAll, "system", map[string]any{
		"type": events.TypeText, "text": "for everyone",
	})
	require.NoError(t, console.Output().Emit(context.Background(), broadcast))
	assert.Len(t, a, 2)
	assert.Len(t, b, 1)
}
