// Package events defines the input and output event types exchanged between
// front-ends, session actors, and the MCP elicitation flow, plus the global
// buses and dedup sets that carry them.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Output event content type tags.
const (
	TypeText        = "text"
	TypeUserMessage = "user_message"
	TypeProgress    = "progress"
	TypeElicitation = "elicitation"
	TypeThink       = "think"
	TypeToolCancel  = "tool_cancel"
)

// Output event targets.
const (
	TargetDefault = "default"
	TargetAll     = "all"
)

// SourceMetadata describes the front-end that produced an input event.
type SourceMetadata struct {
	Name         string `json:"name,omitempty"`
	Format       string `json:"format,omitempty"`
	ContentField string `json:"content_field,omitempty"`
	Description  string `json:"description,omitempty"`
}

// InputEvent is one user message. It is consumed at most once, by either the
// session actor or an active elicitation handler.
type InputEvent struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	SessionID  string          `json:"session_id,omitempty"`
	SourceMeta *SourceMetadata `json:"source_meta,omitempty"`
	Payload    map[string]any  `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewInputEvent creates an input event with a fresh id.
func NewInputEvent(source string, payload map[string]any) *InputEvent {
	return &InputEvent{
		ID:        uuid.New().String(),
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// EffectiveSessionID returns the event's session id, defaulting to the
// source label when absent.
func (e *InputEvent) EffectiveSessionID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.Source
}

// Text extracts the user text from the payload: the field named by
// source_meta.content_field when set, otherwise "line" then "content".
func (e *InputEvent) Text() string {
	if e.Payload == nil {
		return ""
	}
	if e.SourceMeta != nil && e.SourceMeta.ContentField != "" {
		if s, ok := e.Payload[e.SourceMeta.ContentField].(string); ok {
			return s
		}
	}
	if s, ok := e.Payload["line"].(string); ok {
		return s
	}
	if s, ok := e.Payload["content"].(string); ok {
		return s
	}
	return ""
}

// AnswerText extracts an elicitation answer: the "content" field when it is
// a string, otherwise the whole payload stringified.
func (e *InputEvent) AnswerText() string {
	if e.Payload != nil {
		if s, ok := e.Payload["content"].(string); ok {
			return s
		}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Sprintf("%v", e.Payload)
	}
	return string(data)
}

// OutputEvent is one outbound notification to front-end output handlers.
type OutputEvent struct {
	ID        string         `json:"id"`
	Target    string         `json:"target"`
	Source    string         `json:"source"`
	SessionID string         `json:"session_id,omitempty"`
	Content   map[string]any `json:"content"`
	Style     string         `json:"style,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewOutputEvent creates an output event with a fresh id.
func NewOutputEvent(target, source string, content map[string]any) *OutputEvent {
	return &OutputEvent{
		ID:        uuid.New().String(),
		Target:    target,
		Source:    source,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewTextOutput creates a text output event addressed to the default target.
func NewTextOutput(source, sessionID, text string) *OutputEvent {
	out := NewOutputEvent(TargetDefault, source, map[string]any{
		"type": TypeText,
		"text": text,
	})
	out.SessionID = sessionID
	return out
}

// ContentType returns the conventional "type" tag of the content, or "".
func (e *OutputEvent) ContentType() string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content["type"].(string)
	return s
}

// ContentText returns the "text" field of the content, or "".
func (e *OutputEvent) ContentText() string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content["text"].(string)
	return s
}
