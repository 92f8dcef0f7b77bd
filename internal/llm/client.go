// Package llm provides the chat-completion client used by the decision
// engine, the parameter resolver, and the elicitation repair path. It speaks
// the LM Studio compatible /v1/chat/completions API.
package llm

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. When SessionID is set, any
// <think>...</think> block in the model output is published as a think
// output event for that session.
type Request struct {
	System      string
	User        string
	SessionID   string
	Temperature float64
}

// Output is the parsed completion result. Content has think tags stripped;
// Think holds the extracted reasoning text, if any.
type Output struct {
	Content string
	Think   string
}

// Client is the completion capability consumed by the orchestration core.
type Client interface {
	Complete(ctx context.Context, req Request) (*Output, error)
}
