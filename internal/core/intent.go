package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/llm"
	"github.com/robocore/robocore/internal/persona"
)

// IntentDecision is the outcome of the respond-or-ignore gate.
type IntentDecision int

const (
	// IntentAct proceeds to the decision engine.
	IntentAct IntentDecision = iota
	// IntentIgnore drops the event.
	IntentIgnore
)

// IntentModule decides whether an event deserves a response.
type IntentModule interface {
	Evaluate(ctx context.Context, p persona.Persona, perception *PerceptionData, inputText string) (IntentDecision, error)
}

// BasicIntent always responds.
type BasicIntent struct{}

func (BasicIntent) Evaluate(_ context.Context, _ persona.Persona, _ *PerceptionData, _ string) (IntentDecision, error) {
	return IntentAct, nil
}

// LLMIntent asks the model the respond-or-ignore question.
type LLMIntent struct {
	llm    llm.Client
	logger *logger.Logger
}

// NewLLMIntent creates an LLM-backed intent module.
func NewLLMIntent(llmClient llm.Client, log *logger.Logger) *LLMIntent {
	return &LLMIntent{
		llm:    llmClient,
		logger: log.WithFields(zap.String("component", "intent")),
	}
}

const intentPrompt = "You named '%s' with a %s style.\n" +
	"\n" +
	"Perception of input:\n" +
	"Sentiment: %s\n" +
	"Urgency: %s\n" +
	"Context: %s\n" +
	"\n" +
	"You are receiving a message. Your task is to decide whether to RESPOND or IGNORE.\n" +
	"\n" +
	"Guidelines:\n" +
	"1. If the message is a direct question, a command, or explicitly addressed to you, RESPOND.\n" +
	"2. If the message is ambiguous but likely requires an answer (e.g., 'How is the weather?'), RESPOND.\n" +
	"3. If the message is just noise, irrelevant, or clearly addressed to someone else, IGNORE.\n" +
	"\n" +
	"Format your answer exactly like this:\n" +
	"Reason: [Short explanation of why]\n" +
	"Decision: [RESPOND or IGNORE]"

func (m *LLMIntent) Evaluate(ctx context.Context, p persona.Persona, perception *PerceptionData, inputText string) (IntentDecision, error) {
	system := fmt.Sprintf(intentPrompt,
		p.Name, p.Style,
		perception.Sentiment, perception.Urgency, perception.ContextSummary)

	out, err := m.llm.Complete(ctx, llm.Request{
		System:      system,
		User:        "Message: " + inputText,
		Temperature: 0.1,
	})
	if err != nil {
		return IntentIgnore, err
	}

	text := strings.TrimSpace(out.Content)
	m.logger.Info("Intent analysis", zap.String("output", text))

	upper := strings.ToUpper(text)
	if strings.Contains(upper, "DECISION: RESPOND") || strings.Contains(upper, "DECISION:RESPOND") {
		return IntentAct, nil
	}
	return IntentIgnore, nil
}
