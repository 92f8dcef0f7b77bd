package core

import (
	"context"

	"github.com/robocore/robocore/internal/events"
)

// PerceptionData is the first-pass read of an inbound event.
type PerceptionData struct {
	Sentiment      string `json:"sentiment"`
	Urgency        string `json:"urgency"`
	ContextSummary string `json:"context_summary"`
}

// PerceptionModule analyzes an input event before the intent gate.
type PerceptionModule interface {
	Perceive(ctx context.Context, event *events.InputEvent) (*PerceptionData, error)
}

// BasicPerception returns a fixed neutral reading.
type BasicPerception struct{}

func (BasicPerception) Perceive(_ context.Context, _ *events.InputEvent) (*PerceptionData, error) {
	return &PerceptionData{
		Sentiment:      "neutral",
		Urgency:        "normal",
		ContextSummary: "No deep analysis",
	}, nil
}
