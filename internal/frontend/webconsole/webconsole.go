// Package webconsole is the HTTP front-end: JSON message submission, message
// history, SSE and WebSocket subscriptions, and deduplicated file uploads.
package webconsole

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/httpmw"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/core"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/events/bus"
)

// HandlerID is the console's id in the router and output registry.
const HandlerID = "web"

const (
	messageHistoryLimit = 100
	subscriberQueue     = 64
	uploadDir           = "uploads"
)

// FileInfo describes one deduplicated upload.
type FileInfo struct {
	MD5      string `json:"md5"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Message is the send-endpoint request body.
type Message struct {
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	SessionID string   `json:"session_id"`
	Files     []string `json:"files"`
}

// Response is the generic endpoint envelope.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Console holds the web front-end state. Input and Output expose its two
// handler facets to the core.
type Console struct {
	mu          sync.Mutex
	messages    []*events.OutputEvent
	subscribers map[string]map[string]chan *events.OutputEvent

	filesMu sync.RWMutex
	files   map[string]FileInfo

	inputs    chan *events.InputEvent
	outputBus bus.Bus[*events.OutputEvent]
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// New creates a console with no subscribers.
func New(log *logger.Logger) *Console {
	return &Console{
		subscribers: make(map[string]map[string]chan *events.OutputEvent),
		files:       make(map[string]FileInfo),
		inputs:      make(chan *events.InputEvent, 256),
		outputBus:   events.OutputBus(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "web_console")),
	}
}

// WithOutputBus overrides the echo bus. Used by tests.
func (c *Console) WithOutputBus(b bus.Bus[*events.OutputEvent]) *Console {
	c.outputBus = b
	return c
}

// Router builds the gin handler tree.
func (c *Console) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), httpmw.RequestLogger(c.logger, "web_console"), c.cors())

	r.GET("/health", c.handleHealth)
	api := r.Group("/api")
	{
		api.POST("/session", c.handleCreateSession)
		api.POST("/send", c.handleSend)
		api.POST("/send/:session_id", c.handleSend)
		api.GET("/messages", c.handleMessages)
		api.GET("/messages/:session_id", c.handleMessages)
		api.GET("/subscribe", c.handleSubscribe)
		api.GET("/ws", c.handleWebSocket)
		api.POST("/upload", c.handleUpload)
		api.POST("/check_file", c.handleCheckFile)
	}
	return r
}

// Serve runs the HTTP server until the context is cancelled.
func (c *Console) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: c.Router()}
	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("Web console listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (c *Console) cors() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "*")
		ctx.Header("Access-Control-Allow-Headers", "*")
		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

func (c *Console) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, Response{Success: true, Message: "Service is healthy"})
}

func (c *Console) handleCreateSession(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"session_id": uuid.New().String()})
}

func sourceMetadata() *events.SourceMetadata {
	return &events.SourceMetadata{
		Name:         "web",
		Format:       "structured",
		ContentField: "content",
		Description:  "User input from web chat interface. Includes timestamp and structured metadata.",
	}
}

func (c *Console) handleSend(ctx *gin.Context) {
	var msg Message
	if err := ctx.ShouldBindJSON(&msg); err != nil {
		ctx.JSON(http.StatusBadRequest, Response{Success: false, Message: err.Error()})
		return
	}
	if msg.SessionID == "" {
		msg.SessionID = ctx.Param("session_id")
	}

	content := msg.Content
	if len(msg.Files) > 0 {
		var b strings.Builder
		b.WriteString(content)
		b.WriteString("\n\n[System Note: User uploaded files]\n")
		for _, f := range msg.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		content = b.String()
	}

	event := events.NewInputEvent("web", map[string]any{
		"content":   content,
		"timestamp": msg.Timestamp,
		"files":     msg.Files,
	})
	event.SessionID = msg.SessionID
	event.SourceMeta = sourceMetadata()

	echo := events.NewOutputEvent(events.TargetAll, "user", map[string]any{
		"type":      events.TypeUserMessage,
		"content":   msg.Content,
		"timestamp": msg.Timestamp,
		"files":     msg.Files,
	})
	echo.SessionID = msg.SessionID
	if err := c.outputBus.Publish(ctx.Request.Context(), echo); err != nil {
		c.logger.Warn("Failed to publish user echo", zap.Error(err))
	}

	select {
	case c.inputs <- event:
		ctx.JSON(http.StatusOK, Response{Success: true, Message: "Message sent successfully"})
	default:
		ctx.JSON(http.StatusInternalServerError, Response{Success: false, Message: "input queue full"})
	}
}

func (c *Console) handleMessages(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")

	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID == "" {
		ctx.JSON(http.StatusOK, append([]*events.OutputEvent(nil), c.messages...))
		return
	}
	filtered := make([]*events.OutputEvent, 0)
	for _, m := range c.messages {
		if m.SessionID == sessionID {
			filtered = append(filtered, m)
		}
	}
	ctx.JSON(http.StatusOK, filtered)
}

// subscribe registers a receive channel for a session key.
func (c *Console) subscribe(sessionID string) (string, chan *events.OutputEvent) {
	id := uuid.New().String()
	ch := make(chan *events.OutputEvent, subscriberQueue)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribers[sessionID] == nil {
		c.subscribers[sessionID] = make(map[string]chan *events.OutputEvent)
	}
	c.subscribers[sessionID][id] = ch
	return id, ch
}

func (c *Console) unsubscribe(sessionID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subs, ok := c.subscribers[sessionID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(c.subscribers, sessionID)
		}
	}
}

func (c *Console) handleSubscribe(ctx *gin.Context) {
	sessionID := ctx.DefaultQuery("session_id", "web")
	id, ch := c.subscribe(sessionID)
	defer c.unsubscribe(sessionID, id)

	ctx.Header("Content-Type", "text/event-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")

	ctx.Stream(func(io.Writer) bool {
		select {
		case event, ok := <-ch:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				return true
			}
			ctx.SSEvent("message", string(data))
			return true
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}

func (c *Console) handleWebSocket(ctx *gin.Context) {
	sessionID := ctx.DefaultQuery("session_id", "web")
	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id, ch := c.subscribe(sessionID)
	defer c.unsubscribe(sessionID, id)

	// Reader goroutine only detects the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Request.Context().Done():
			return
		case event := <-ch:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (c *Console) handleCheckFile(ctx *gin.Context) {
	var req struct {
		MD5 string `json:"md5"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, Response{Success: false, Message: err.Error()})
		return
	}

	c.filesMu.RLock()
	info, ok := c.files[req.MD5]
	c.filesMu.RUnlock()

	if ok {
		ctx.JSON(http.StatusOK, gin.H{"exists": true, "file": info})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"exists": false, "file": nil})
}

func (c *Console) handleUpload(ctx *gin.Context) {
	form, err := ctx.MultipartForm()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, Response{Success: false, Message: err.Error()})
		return
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		ctx.JSON(http.StatusInternalServerError, Response{Success: false, Message: err.Error()})
		return
	}

	var filePaths []string
	for _, headers := range form.File {
		for _, header := range headers {
			file, err := header.Open()
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, Response{Success: false, Message: err.Error()})
				return
			}
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, Response{Success: false, Message: err.Error()})
				return
			}

			sum := md5.Sum(data)
			md5Hex := hex.EncodeToString(sum[:])

			c.filesMu.RLock()
			info, exists := c.files[md5Hex]
			c.filesMu.RUnlock()
			if exists {
				filePaths = append(filePaths, info.Path)
				continue
			}

			safeName := sanitizeFilename(header.Filename)
			path := filepath.Join(uploadDir, uuid.New().String()+"_"+safeName)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				ctx.JSON(http.StatusInternalServerError, Response{Success: false, Message: err.Error()})
				return
			}

			absPath, err := filepath.Abs(path)
			if err != nil {
				absPath = path
			}
			uri := "file://" + absPath
			filePaths = append(filePaths, uri)

			c.filesMu.Lock()
			c.files[md5Hex] = FileInfo{
				MD5:      md5Hex,
				Path:     uri,
				Filename: safeName,
				Size:     int64(len(data)),
			}
			c.filesMu.Unlock()
		}
	}

	ctx.JSON(http.StatusOK, Response{
		Success: true,
		Message: "Upload successful",
		Data:    gin.H{"files": filePaths},
	})
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
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

// Emit stores the event in the rolling history and fans it out to the
// targeted subscribers. Slow subscribers drop messages.
func (o *Output) Emit(_ context.Context, event *events.OutputEvent) error {
	c := o.console
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, event)
	if len(c.messages) > messageHistoryLimit {
		c.messages = c.messages[len(c.messages)-messageHistoryLimit:]
	}

	deliver := func(subs map[string]chan *events.OutputEvent) {
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
			}
		}
	}

	if event.Target == events.TargetAll {
		for _, subs := range c.subscribers {
			deliver(subs)
		}
		return nil
	}
	if event.SessionID != "" {
		if subs, ok := c.subscribers[event.SessionID]; ok {
			deliver(subs)
		}
	}
	return nil
}

func (o *Output) Metadata() *core.OutputMetadata {
	return &core.OutputMetadata{
		Name:        HandlerID,
		Format:      "json",
		Description: "Message history, SSE and WebSocket streams over HTTP.",
	}
}
