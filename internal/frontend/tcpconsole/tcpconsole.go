// Package tcpconsole is the raw TCP front-end: one session per connection,
// newline-delimited input, formatted event lines back.
package tcpconsole

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/core"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/events/bus"
)

// HandlerID is the console's id in the router and output registry.
const HandlerID = "tcp"

const peerQueueCapacity = 64

// Console owns the TCP listener and the per-connection peer table. Input and
// Output expose its two handler facets to the core.
type Console struct {
	listener net.Listener

	mu    sync.RWMutex
	peers map[string]chan string

	inputs    chan *events.InputEvent
	outputBus bus.Bus[*events.OutputEvent]
	logger    *logger.Logger
}

// New binds the listener. Pass ":0" to pick a free port.
func New(addr string, log *logger.Logger) (*Console, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind tcp console on %s: %w", addr, err)
	}
	log = log.WithFields(zap.String("component", "tcp_console"))
	log.Info("TCP console listening", zap.String("addr", listener.Addr().String()))

	return &Console{
		listener:  listener,
		peers:     make(map[string]chan string),
		inputs:    make(chan *events.InputEvent, 256),
		outputBus: events.OutputBus(),
		logger:    log,
	}, nil
}

// WithOutputBus overrides the echo bus. Used by tests.
func (c *Console) WithOutputBus(b bus.Bus[*events.OutputEvent]) *Console {
	c.outputBus = b
	return c
}

// Addr returns the bound listen address.
func (c *Console) Addr() string {
	return c.listener.Addr().String()
}

// Serve accepts connections until the context is cancelled.
func (c *Console) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("TCP accept error", zap.Error(err))
			continue
		}
		go c.handleConn(ctx, conn)
	}
}

func sourceMetadata() *events.SourceMetadata {
	return &events.SourceMetadata{
		Name:         "tcp",
		Format:       "text",
		ContentField: "content",
		Description:  "User input from raw TCP connection.",
	}
}

func (c *Console) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.New().String()
	log := c.logger.WithSessionID(sessionID)
	log.Info("TCP session started", zap.String("remote", conn.RemoteAddr().String()))

	outbound := make(chan string, peerQueueCapacity)
	c.mu.Lock()
	c.peers[sessionID] = outbound
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.peers, sessionID)
		c.mu.Unlock()
		log.Info("TCP session ended")
	}()

	fmt.Fprintf(conn, "Welcome to Robo TCP Console!\nSession ID: %s\n", sessionID)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if !strings.HasSuffix(msg, "\n") {
					msg += "\n"
				}
				if _, err := conn.Write([]byte(msg)); err != nil {
					log.Warn("Failed to write to socket", zap.Error(err))
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		content := strings.TrimSpace(scanner.Text())
		if content == "" {
			continue
		}

		event := events.NewInputEvent("tcp", map[string]any{
			"content":   content,
			"timestamp": time.Now().UnixMilli(),
		})
		event.SessionID = sessionID
		event.SourceMeta = sourceMetadata()

		echo := events.NewOutputEvent(events.TargetAll, "user", map[string]any{
			"type":      events.TypeUserMessage,
			"content":   content,
			"timestamp": time.Now().UnixMilli(),
		})
		echo.SessionID = sessionID
		if err := c.outputBus.Publish(ctx, echo); err != nil {
			log.Warn("Failed to publish user echo", zap.Error(err))
		}

		select {
		case c.inputs <- event:
		case <-ctx.Done():
			return
		}
	}
	<-writeDone
}

// Input is the console's InputHandler facet.
type Input struct {
	console *Console
}

// Input returns the polling facet.
func (c *Console) Input() *Input {
	return &Input{console: c}
}

func (i *Input) Poll(ctx context.Context) (*events.InputEvent, error) {
	select {
	case event := <-i.console.inputs:
		return event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (i *Input) Metadata() *events.SourceMetadata {
	return sourceMetadata()
}

// Output is the console's OutputHandler facet.
type Output struct {
	console *Console
}

// Output returns the emitting facet.
func (c *Console) Output() *Output {
	return &Output{console: c}
}

// Emit writes the event to the targeted peers. Slow peers drop messages
// rather than blocking the dispatcher.
func (o *Output) Emit(_ context.Context, event *events.OutputEvent) error {
	content, err := json.Marshal(event.Content)
	if err != nil {
		return fmt.Errorf("failed to render output content: %w", err)
	}
	line := fmt.Sprintf("[%s] %s: %s", event.Source, event.Style, content)

	o.console.mu.RLock()
	defer o.console.mu.RUnlock()

	if event.Target == events.TargetAll {
		for _, peer := range o.console.peers {
			select {
			case peer <- line:
			default:
			}
		}
		return nil
	}
	if peer, ok := o.console.peers[event.SessionID]; ok {
		select {
		case peer <- line:
		default:
		}
	}
	return nil
}

func (o *Output) Metadata() *core.OutputMetadata {
	return &core.OutputMetadata{
		Name:        HandlerID,
		Format:      "text",
		Description: "Formatted event lines over raw TCP.",
	}
}
