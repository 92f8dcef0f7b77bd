package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/config"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/events/bus"
)

const defaultTemperature = 0.7

// LMStudioClient talks to an LM Studio compatible chat-completions endpoint.
type LMStudioClient struct {
	baseURL   string
	apiKey    string
	model     string
	client    *http.Client
	outputBus bus.Bus[*events.OutputEvent]
	logger    *logger.Logger
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewLMStudioClient creates a client from configuration. Think events are
// published on the process output bus.
func NewLMStudioClient(cfg config.LLMConfig, log *logger.Logger) *LMStudioClient {
	return &LMStudioClient{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		// No request timeout: completions may legitimately run for minutes.
		client:    &http.Client{},
		outputBus: events.OutputBus(),
		logger:    log.WithFields(zap.String("component", "llm")),
	}
}

// WithOutputBus overrides the bus used for think events.
func (c *LMStudioClient) WithOutputBus(b bus.Bus[*events.OutputEvent]) *LMStudioClient {
	c.outputBus = b
	return c
}

// WithHTTPClient overrides the HTTP client.
func (c *LMStudioClient) WithHTTPClient(hc *http.Client) *LMStudioClient {
	c.client = hc
	return c
}

// Complete sends one chat-completion request and parses the reply.
func (c *LMStudioClient) Complete(ctx context.Context, req Request) (*Output, error) {
	messages := make([]Message, 0, 2)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, Message{Role: "user", Content: req.User})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat backend returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("chat backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat backend returned no choices")
	}

	content, think := ExtractThink(parsed.Choices[0].Message.Content)
	out := &Output{Content: content, Think: think}

	if think != "" && req.SessionID != "" {
		c.emitThink(ctx, req.SessionID, think)
	}

	return out, nil
}

func (c *LMStudioClient) emitThink(ctx context.Context, sessionID, think string) {
	ev := events.NewOutputEvent(events.TargetAll, "system", map[string]any{
		"type": events.TypeThink,
		"text": think,
	})
	ev.SessionID = sessionID
	if err := c.outputBus.Publish(ctx, ev); err != nil {
		c.logger.Warn("Failed to publish think event", zap.Error(err))
	}
}

// ExtractThink splits a completion into visible text and the content of the
// first <think>...</think> block. The block is removed from the visible text.
func ExtractThink(content string) (visible, think string) {
	start := strings.Index(content, "<think>")
	if start < 0 {
		return strings.TrimSpace(content), ""
	}
	end := strings.Index(content[start:], "</think>")
	if end < 0 {
		// Unterminated block: everything after the tag is reasoning.
		think = strings.TrimSpace(content[start+len("<think>"):])
		return strings.TrimSpace(content[:start]), think
	}
	end += start
	think = strings.TrimSpace(content[start+len("<think>") : end])
	visible = content[:start] + content[end+len("</think>"):]
	return strings.TrimSpace(visible), think
}
