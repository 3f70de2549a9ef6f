package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/switchboard/internal/agents"
	"github.com/cloud-shuttle/switchboard/internal/events"
	"github.com/cloud-shuttle/switchboard/internal/llm"
	"github.com/cloud-shuttle/switchboard/pkg/telemetry"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// Fixed replies used when no agent answer is available
const (
	MessageUnavailable = "I'm sorry, but I'm unable to process your request right now. Please try again later."
	MessageAgentError  = "I encountered an error while processing your request. Let me transfer you to a human agent."
	MessageRouting     = "I'm sorry, that service is temporarily unavailable. Let me connect you with someone who can help."
	MessageHumanHold   = "A human agent has been notified and will be with you shortly."
)

// FailureKind classifies a failed agent turn
type FailureKind string

const (
	FailureGeneration FailureKind = "generation"
	FailureTimeout    FailureKind = "timeout"
	FailurePanic      FailureKind = "panic"
	FailureRouting    FailureKind = "routing"
)

// Failure is the error side of an agent invocation
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// RoutingUnavailableError is returned when no agent is registered for a route
type RoutingUnavailableError struct {
	Agent types.AgentType
}

func (e *RoutingUnavailableError) Error() string {
	return fmt.Sprintf("no agent registered for %s", e.Agent)
}

// Outcome is the result of invoking an agent: exactly one of Response and
// Failure is set.
type Outcome struct {
	Response *agents.Response
	Failure  *Failure
}

// TurnResult describes one processed message
type TurnResult struct {
	Route    Route
	Agent    types.AgentType
	Content  string
	Outcome  Outcome
	Duration time.Duration

	ShouldEscalate   bool
	EscalationReason string
	// NextAgent owns the conversation after the turn
	NextAgent types.AgentType
}

// Options configures an Orchestrator
type Options struct {
	Config  Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Events  *events.Bus
}

// Orchestrator routes messages and applies agent responses
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	events  *events.Bus
	now     func() time.Time
}

// New creates an orchestrator
func New(opts Options) (*Orchestrator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("validating workflow config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
		events:  opts.Events,
		now:     time.Now,
	}, nil
}

// ProcessTurn handles one inbound message and updates state in place. It
// never fails: agent errors become a safe escalating reply.
func (o *Orchestrator) ProcessTurn(ctx context.Context, state *types.ConversationState, message string) *TurnResult {
	start := o.now()
	ctx, span := telemetry.StartTurnSpan(ctx, state.ConversationID,
		attribute.Int(telemetry.KeyStep, state.Step()),
		attribute.Int(telemetry.KeyGeneration, state.Generation),
	)
	defer span.End()

	userSentiment := agents.DetectSentiment(message)

	if state.RequiresHuman {
		o.appendUser(state, message, userSentiment, start)
		state.AppendTurn(types.Turn{
			Role:      types.ConversationRoleAssistant,
			Content:   MessageHumanHold,
			Agent:     types.AgentHuman,
			Timestamp: start,
		})
		return &TurnResult{Agent: types.AgentHuman, Content: MessageHumanHold, NextAgent: types.AgentHuman}
	}

	_, routeSpan := telemetry.StartSpan(ctx, telemetry.SpanTurnRoute)
	route := o.cfg.Route(state, message)
	routeSpan.SetAttributes(
		attribute.String(telemetry.KeyAgentType, string(route.Agent)),
		attribute.Bool("switchboard.route.kept", route.Kept),
	)
	routeSpan.End()

	result := &TurnResult{Route: route, Agent: route.Agent}

	if agent, ok := o.cfg.Agents[route.Agent]; ok {
		result.Outcome = o.invoke(ctx, agent, message, state)
	} else {
		err := &RoutingUnavailableError{Agent: route.Agent}
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryRouting)
		result.Outcome = Outcome{Failure: &Failure{Kind: FailureRouting, Err: err}}
	}

	o.apply(ctx, state, message, route, userSentiment, result)
	o.evaluate(state, result)
	result.NextAgent = state.CurrentAgent
	if result.ShouldEscalate {
		o.escalate(ctx, state, result)
		telemetry.SetEscalation(span, string(result.Agent), string(result.NextAgent), result.EscalationReason)
	}

	result.Duration = o.now().Sub(start)
	outcome := "ok"
	if result.Outcome.Failure != nil {
		outcome = string(result.Outcome.Failure.Kind)
	}
	o.metrics.Turn(ctx, string(result.Agent), outcome, result.Duration)

	o.logger.Debug("turn processed",
		"conversation_id", state.ConversationID,
		"agent", result.Agent,
		"next_agent", result.NextAgent,
		"step", state.Step(),
		"outcome", outcome,
		"escalate", result.ShouldEscalate,
	)
	return result
}

// invoke runs the agent on a copy of state, bounded by the generation timeout
func (o *Orchestrator) invoke(ctx context.Context, agent agents.Agent, message string, state *types.ConversationState) Outcome {
	ctx, span := telemetry.StartAgentSpan(ctx, string(agent.Type()), state.ConversationID)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	defer cancel()

	snapshot := state.Clone()
	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome{Failure: &Failure{Kind: FailurePanic, Err: fmt.Errorf("agent panic: %v", r)}}
			}
		}()
		resp, err := agent.Process(ctx, message, snapshot)
		switch {
		case err != nil:
			done <- Outcome{Failure: classify(err)}
		case resp == nil:
			done <- Outcome{Failure: &Failure{Kind: FailureGeneration, Err: errors.New("agent returned no response")}}
		default:
			done <- Outcome{Response: resp}
		}
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = Outcome{Failure: &Failure{Kind: FailureTimeout, Err: ctx.Err()}}
	}

	if f := out.Failure; f != nil {
		telemetry.RecordError(span, f, string(f.Kind), telemetry.ErrorCategoryGeneration)
		o.logger.Warn("agent turn failed",
			"conversation_id", state.ConversationID,
			"agent", agent.Type(),
			"kind", f.Kind,
			"error", f.Err,
		)
		o.publish(ctx, events.EventAgentFailed, state.ConversationID, string(agent.Type()), map[string]any{
			"kind":  string(f.Kind),
			"error": f.Err.Error(),
		})
	}
	return out
}

func classify(err error) *Failure {
	if llm.KindOf(err) == llm.ErrorTimeout {
		return &Failure{Kind: FailureTimeout, Err: err}
	}
	return &Failure{Kind: FailureGeneration, Err: err}
}

func (o *Orchestrator) appendUser(state *types.ConversationState, message string, sentiment types.Sentiment, now time.Time) {
	state.AppendTurn(types.Turn{
		Role:      types.ConversationRoleUser,
		Content:   message,
		Sentiment: sentiment,
		Timestamp: now,
	})
	state.Sentiment = sentiment
	if sentiment.IsNegative() {
		state.NegativeStreak++
	} else {
		state.NegativeStreak = 0
	}
}

func (o *Orchestrator) apply(ctx context.Context, state *types.ConversationState, message string, route Route, sentiment types.Sentiment, result *TurnResult) {
	now := o.now()
	if resp := result.Outcome.Response; resp != nil && resp.Sentiment != "" {
		sentiment = resp.Sentiment
	}
	o.appendUser(state, message, sentiment, now)

	if state.CurrentAgent != "" && state.CurrentAgent != route.Agent {
		state.PreviousAgents = append(state.PreviousAgents, state.CurrentAgent)
		o.publish(ctx, events.EventAgentHandoff, state.ConversationID, string(route.Agent), map[string]any{
			"from": string(state.CurrentAgent),
		})
	}
	state.CurrentAgent = route.Agent
	state.CurrentIntent = route.Intent

	if f := result.Outcome.Failure; f != nil {
		result.Content = MessageAgentError
		if f.Kind == FailureGeneration || f.Kind == FailureTimeout {
			result.Content = MessageUnavailable
		}
		if f.Kind == FailureRouting {
			result.Content = MessageRouting
		}
		state.ErrorLog = append(state.ErrorLog, types.ErrorRecord{
			Agent:     route.Agent,
			Kind:      string(f.Kind),
			Message:   f.Err.Error(),
			Timestamp: now.UTC(),
		})
		state.AppendTurn(types.Turn{
			Role:      types.ConversationRoleAssistant,
			Content:   result.Content,
			Agent:     route.Agent,
			Timestamp: now,
		})
		return
	}

	resp := result.Outcome.Response
	result.Content = resp.Content
	if resp.Intent != "" {
		state.CurrentIntent = resp.Intent
	}
	for k, v := range resp.SessionUpdates {
		if state.Session == nil {
			state.Session = map[string]types.Value{}
		}
		state.Session[k] = v
	}
	if resp.AgentState != nil {
		data := state.AgentData(route.Agent)
		clear(data)
		for k, v := range resp.AgentState {
			data[k] = v
		}
	}
	state.ResolutionAttempts++
	state.AppendTurn(types.Turn{
		Role:      types.ConversationRoleAssistant,
		Content:   resp.Content,
		Agent:     route.Agent,
		Timestamp: now,
	})
}

// evaluate applies the escalation policy to an applied turn
func (o *Orchestrator) evaluate(state *types.ConversationState, result *TurnResult) {
	if f := result.Outcome.Failure; f != nil {
		result.ShouldEscalate = true
		result.EscalationReason = "agent failure: " + string(f.Kind)
		return
	}

	resp := result.Outcome.Response
	if resp.RequestEscalation {
		result.ShouldEscalate = true
		result.EscalationReason = resp.EscalationReason
		if result.EscalationReason == "" {
			result.EscalationReason = "agent requested escalation"
		}
		return
	}

	// the escalation agent only hands off when it asks to
	if result.Agent == o.cfg.FallbackEscalation {
		return
	}

	switch {
	case resp.Confidence < o.cfg.MinConfidence:
		result.EscalationReason = fmt.Sprintf("low confidence %.2f", resp.Confidence)
	case state.MessageCount() > o.cfg.MaxMessages:
		result.EscalationReason = fmt.Sprintf("conversation exceeded %d messages", o.cfg.MaxMessages)
	case state.NegativeStreak >= o.cfg.NegativeStreak:
		result.EscalationReason = fmt.Sprintf("%d consecutive negative turns", state.NegativeStreak)
	default:
		if kw, ok := agents.MatchAny(resp.Content, o.cfg.EscalationKeywords); ok {
			result.EscalationReason = "escalation keyword in response: " + kw
		}
	}
	result.ShouldEscalate = result.EscalationReason != ""
}

// NextAgent returns the escalation target of an agent
func (o *Orchestrator) NextAgent(from types.AgentType) types.AgentType {
	if to, ok := o.cfg.EscalationMap[from]; ok {
		return to
	}
	return o.cfg.FallbackEscalation
}

func (o *Orchestrator) escalate(ctx context.Context, state *types.ConversationState, result *TurnResult) {
	from := result.Agent
	to := o.NextAgent(from)
	result.NextAgent = to
	Escalate(state, from, to, result.EscalationReason, o.now())

	o.metrics.Escalation(ctx, string(from), result.EscalationReason)
	o.logger.Info("conversation escalated",
		"conversation_id", state.ConversationID,
		"from", from,
		"to", to,
		"reason", result.EscalationReason,
		"level", state.EscalationLevel,
	)
	o.publish(ctx, events.EventConversationEscalated, state.ConversationID, string(to), map[string]any{
		"from":   string(from),
		"reason": result.EscalationReason,
		"level":  state.EscalationLevel,
	})
}

// Escalate hands a conversation from one agent to another and records it
func Escalate(state *types.ConversationState, from, to types.AgentType, reason string, now time.Time) {
	state.EscalationLevel++
	state.Escalations = append(state.Escalations, types.EscalationRecord{
		From:      from,
		To:        to,
		Reason:    reason,
		Level:     state.EscalationLevel,
		Timestamp: now.UTC(),
	})
	if from != "" && from != to {
		state.PreviousAgents = append(state.PreviousAgents, from)
	}
	state.CurrentAgent = to
	switch to {
	case types.AgentHuman:
		state.RequiresHuman = true
		state.Status = types.ConversationStatusEscalated
	case types.AgentEscalation:
		state.Status = types.ConversationStatusEscalated
	}
}

func (o *Orchestrator) publish(ctx context.Context, t events.EventType, id, agent string, data map[string]any) {
	if err := o.events.Publish(ctx, events.NewEvent(t, id, agent, data)); err != nil {
		o.logger.Debug("event not published", "type", t, "error", err)
	}
}
