package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/mcp"
	"github.com/robocore/robocore/internal/persona"
	"github.com/robocore/robocore/internal/tasks"
	"github.com/robocore/robocore/internal/workflow"
)

// NoCapabilityMessage is emitted when planning fails because the tool
// catalog is empty.
const NoCapabilityMessage = "No available execution capability for this request."

// sessionMessage is one inbox entry: an input event or a shutdown signal.
type sessionMessage struct {
	event    *events.InputEvent
	shutdown bool
}

// pendingExecution is a suspended workflow awaiting the next user input.
type pendingExecution struct {
	steps   []workflow.StepSpec
	index   int
	context *workflow.Context
}

// Session is the per-session actor. Its inbox serializes all foreground work
// for one session id; background steps run on their own goroutines.
type Session struct {
	ID string

	inbox chan sessionMessage
	done  chan struct{}

	client       mcp.Client
	tasks        *tasks.Manager
	engine       DecisionEngine
	resolver     workflow.ParameterResolver
	perception   PerceptionModule
	intent       IntentModule
	persona      persona.Persona
	registry     *HandlerRegistry
	router       *EventRouter
	consumed     *events.ConsumedSet
	elicitations *events.ElicitationSet
	logger       *logger.Logger

	pending   *pendingExecution
	buildStep func(workflow.StepSpec, workflow.ParameterResolver) workflow.Step
}

// actor is anything runnable as a session goroutine.
type actor interface {
	Run(ctx context.Context)
}

// Run drains the inbox until shutdown or context cancellation.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("Session started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session context cancelled")
			return
		case msg := <-s.inbox:
			if msg.shutdown {
				s.logger.Info("Session shutting down")
				return
			}
			s.handleInput(ctx, msg.event)
		}
	}
}

func (s *Session) handleInput(ctx context.Context, event *events.InputEvent) {
	s.logger.Info("Processing event",
		zap.String("event_id", event.ID), zap.String("source", event.Source))

	// Consumed check comes before any other work on the event.
	if s.consumed.CheckAndRemove(event.ID) {
		s.logger.Info("Skipping event consumed by elicitation",
			zap.String("event_id", event.ID))
		return
	}
	if s.elicitations.IsActive(s.ID) {
		s.logger.Info("Skipping event, elicitation owns the turn",
			zap.String("event_id", event.ID))
		return
	}

	var targets []string
	if s.router.HasRoutes() {
		targets = s.router.OutputsForEvent(event)
	}

	inputText := event.Text()

	// A suspended workflow routes this input as its continuation.
	if s.pending != nil {
		p := s.pending
		s.pending = nil
		p.context.InputText = inputText
		s.logger.Info("Resuming suspended workflow", zap.Int("step", p.index))
		s.executeWorkflow(ctx, p.steps, p.index, p.context, targets, event.Source)
		return
	}

	perception, err := s.perception.Perceive(ctx, event)
	if err != nil {
		s.logger.Error("Perception failed", zap.Error(err))
		return
	}

	decision, err := s.intent.Evaluate(ctx, s.persona, perception, inputText)
	if err != nil {
		s.logger.Error("Intent evaluation failed", zap.Error(err))
		return
	}
	if decision == IntentIgnore {
		s.logger.Info("Intent decision: ignore")
		return
	}

	plan, err := s.engine.Decide(ctx, s.persona, event, s.client)
	if err != nil {
		if errors.Is(err, ErrNoToolsAvailable) {
			s.emit(ctx, targets, s.textOutput(event.Source, NoCapabilityMessage))
			return
		}
		s.logger.Error("Plan decision failed", zap.Error(err))
		return
	}

	wctx := workflow.NewContext(s.persona, inputText, s.ID)
	wctx.Workflow = &workflow.State{Plan: plan}
	s.executeWorkflow(ctx, plan.Steps, 0, wctx, targets, event.Source)
}

// executeWorkflow runs steps from startIdx. Background tool steps are spawned
// without waiting; a WaitUser status suspends the remainder until the next
// input event.
func (s *Session) executeWorkflow(ctx context.Context, steps []workflow.StepSpec,
	startIdx int, wctx *workflow.Context, targets []string, source string) {

	for i := startIdx; i < len(steps); i++ {
		spec := steps[i]
		if wctx.Workflow != nil {
			wctx.Workflow.CurrentStepIndex = i
		}

		if spec.Kind == workflow.StepTool && spec.IsBackground {
			s.spawnBackground(spec, wctx, targets, source)
			continue
		}

		step := s.buildStep(spec, s.resolver)
		res, err := step.Run(ctx, wctx, s.client)
		if err != nil {
			s.logger.Error("Workflow step failed",
				zap.Int("step", i), zap.String("tool", spec.Name), zap.Error(err))
			return
		}

		if res.Output != nil {
			res.Output.Source = source
			if res.Output.SessionID == "" {
				res.Output.SessionID = s.ID
			}
			s.emit(ctx, targets, res.Output)
		}

		switch res.Status {
		case workflow.StatusStop:
			return
		case workflow.StatusWaitUser:
			s.emit(ctx, targets, s.textOutput(source, res.Prompt))
			s.pending = &pendingExecution{steps: steps, index: i, context: wctx}
			s.logger.Info("Workflow suspended awaiting user input", zap.Int("step", i))
			return
		}
	}
}

// spawnBackground registers a cancellable task and fires the step on its own
// goroutine, announcing the task id synchronously.
func (s *Session) spawnBackground(spec workflow.StepSpec, wctx *workflow.Context,
	targets []string, source string) {

	taskID := uuid.New().String()
	prompt := wctx.InputText
	if data, err := json.Marshal(spec.Args); err == nil {
		if args := string(data); args != "null" && args != "{}" && args != `""` {
			prompt += " with args: " + args
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.tasks.Add(taskID, spec.Name, prompt, cancel)

	clone := wctx.Clone()
	step := s.buildStep(spec, s.resolver)

	go func() {
		defer cancel()
		defer s.tasks.Remove(taskID)

		res, err := step.Run(bgCtx, clone, s.client)
		if err != nil {
			s.logger.Error("Background step failed",
				zap.String("task_id", taskID), zap.String("tool", spec.Name), zap.Error(err))
			return
		}
		if res.Output != nil {
			res.Output.Source = source
			if res.Output.SessionID == "" {
				res.Output.SessionID = s.ID
			}
			s.emit(context.Background(), targets, res.Output)
		}
	}()

	s.emit(context.Background(), targets, s.textOutput(source,
		fmt.Sprintf("Started background task '%s' (ID: %s)", spec.Name, taskID)))
}

func (s *Session) emit(ctx context.Context, targets []string, out *events.OutputEvent) {
	if err := s.registry.Dispatch(ctx, targets, out); err != nil {
		s.logger.Error("Output dispatch failed", zap.Error(err))
	}
}

func (s *Session) textOutput(source, text string) *events.OutputEvent {
	out := events.NewTextOutput(source, s.ID, text)
	out.Style = s.persona.Style
	return out
}

// WebSession specializes the actor for web-originated sessions with its own
// pre-start hook.
type WebSession struct {
	*Session
}

func (w *WebSession) Run(ctx context.Context) {
	w.logger.Info("Starting specialized web session")
	w.Session.Run(ctx)
}
