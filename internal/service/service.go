// Package service is the entry point for inbound customer messages. It
// serializes work per conversation and ties the state manager to the
// orchestrator.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/switchboard/internal/checkpoint"
	"github.com/cloud-shuttle/switchboard/internal/conversation"
	"github.com/cloud-shuttle/switchboard/internal/events"
	"github.com/cloud-shuttle/switchboard/internal/tiered"
	"github.com/cloud-shuttle/switchboard/internal/workflow"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// ErrConversationClosed is returned when acting on a closed conversation
var ErrConversationClosed = conversation.ErrConversationClosed

// Checkpoints is the checkpoint access used for reports
type Checkpoints interface {
	Get(ctx context.Context, conversationID string) (*types.Checkpoint, error)
	List(ctx context.Context, conversationID string, limit int) ([]types.CheckpointMetadata, error)
	Health(ctx context.Context) []tiered.LayerHealth
}

// Options configures a Service
type Options struct {
	Conversations *conversation.Manager
	Orchestrator  *workflow.Orchestrator
	Checkpoints   Checkpoints
	Logger        *slog.Logger
	Events        *events.Bus
}

// Service handles messages and conversation-level requests
type Service struct {
	conversations *conversation.Manager
	orchestrator  *workflow.Orchestrator
	checkpoints   Checkpoints
	logger        *slog.Logger
	events        *events.Bus
	now           func() time.Time
}

// New creates a service
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conversations: opts.Conversations,
		orchestrator:  opts.Orchestrator,
		checkpoints:   opts.Checkpoints,
		logger:        logger,
		events:        opts.Events,
		now:           time.Now,
	}
}

// Message is an inbound customer message
type Message struct {
	ConversationID string
	SessionID      string
	CustomerID     string
	Content        string
}

// Reply is the answer to one message
type Reply struct {
	ConversationID   string                   `json:"conversation_id"`
	Content          string                   `json:"content"`
	Agent            types.AgentType          `json:"agent"`
	NextAgent        types.AgentType          `json:"next_agent"`
	Escalated        bool                     `json:"escalated"`
	EscalationReason string                   `json:"escalation_reason,omitempty"`
	Status           types.ConversationStatus `json:"status"`
	Step             int                      `json:"step"`
}

// HandleMessage processes a message and persists the resulting state. A
// message without a conversation id starts a new conversation.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (*Reply, error) {
	if msg.Content == "" {
		return nil, errors.New("message content is required")
	}
	id := msg.ConversationID
	if id == "" {
		id = uuid.New().String()
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = id
	}

	unlock := s.conversations.Lock(id)
	defer unlock()

	current, err := s.conversations.GetOrCreate(ctx, id, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}

	state := current.Clone()
	if msg.CustomerID != "" && state.CustomerID == "" {
		state.CustomerID = msg.CustomerID
	}

	result := s.orchestrator.ProcessTurn(ctx, state, msg.Content)

	if err := s.conversations.UpdateState(ctx, id, state); err != nil {
		return nil, fmt.Errorf("saving conversation %s: %w", id, err)
	}

	return &Reply{
		ConversationID:   id,
		Content:          result.Content,
		Agent:            result.Agent,
		NextAgent:        result.NextAgent,
		Escalated:        result.ShouldEscalate,
		EscalationReason: result.EscalationReason,
		Status:           state.Status,
		Step:             state.Step(),
	}, nil
}

// StatusReport describes a conversation
type StatusReport struct {
	ConversationID  string                   `json:"conversation_id"`
	Status          types.ConversationStatus `json:"status"`
	Active          bool                     `json:"active"`
	CurrentAgent    types.AgentType          `json:"current_agent,omitempty"`
	EscalationLevel int                      `json:"escalation_level"`
	RequiresHuman   bool                     `json:"requires_human"`
	Sentiment       types.Sentiment          `json:"sentiment,omitempty"`
	MessageCount    int                      `json:"message_count"`
	SessionDuration time.Duration            `json:"session_duration"`
	LastActivity    time.Time                `json:"last_activity"`
}

// Status reports on an active or checkpointed conversation
func (s *Service) Status(ctx context.Context, id string) (*StatusReport, error) {
	state, active := s.conversations.Get(id)
	if active {
		state = state.Clone()
	} else {
		cp, err := s.checkpoints.Get(ctx, id)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, conversation.ErrConversationNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("loading conversation %s: %w", id, err)
		}
		state = cp.State
	}
	return &StatusReport{
		ConversationID:  id,
		Status:          state.Status,
		Active:          active,
		CurrentAgent:    state.CurrentAgent,
		EscalationLevel: state.EscalationLevel,
		RequiresHuman:   state.RequiresHuman,
		Sentiment:       state.Sentiment,
		MessageCount:    state.MessageCount(),
		SessionDuration: state.LastActivityAt.Sub(state.CreatedAt),
		LastActivity:    state.LastActivityAt,
	}, nil
}

// Summary is produced when a conversation is closed
type Summary struct {
	ConversationID  string            `json:"conversation_id"`
	Reason          string            `json:"reason,omitempty"`
	AgentsInvolved  []types.AgentType `json:"agents_involved"`
	TotalMessages   int               `json:"total_messages"`
	Duration        time.Duration     `json:"duration"`
	FinalSentiment  types.Sentiment   `json:"final_sentiment,omitempty"`
	EscalationLevel int               `json:"escalation_level"`
}

// Close closes a conversation and summarizes it
func (s *Service) Close(ctx context.Context, id, reason string) (*Summary, error) {
	unlock := s.conversations.Lock(id)
	defer unlock()

	state, err := s.conversations.Close(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	return &Summary{
		ConversationID:  id,
		Reason:          reason,
		AgentsInvolved:  state.AgentsInvolved(),
		TotalMessages:   state.MessageCount(),
		Duration:        state.LastActivityAt.Sub(state.CreatedAt),
		FinalSentiment:  state.Sentiment,
		EscalationLevel: state.EscalationLevel,
	}, nil
}

// TransferToHuman hands a conversation to a human agent
func (s *Service) TransferToHuman(ctx context.Context, id, reason string) error {
	unlock := s.conversations.Lock(id)
	defer unlock()

	if _, ok := s.conversations.Get(id); !ok {
		cp, err := s.checkpoints.Get(ctx, id)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return conversation.ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("loading conversation %s: %w", id, err)
		}
		if cp.State.Status == types.ConversationStatusClosed {
			return ErrConversationClosed
		}
	}

	current, err := s.conversations.GetOrCreate(ctx, id, "")
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", id, err)
	}
	state := current.Clone()
	if state.RequiresHuman {
		return nil
	}
	if reason == "" {
		reason = "transfer requested"
	}
	from := state.CurrentAgent
	workflow.Escalate(state, from, types.AgentHuman, reason, s.now())

	if err := s.conversations.UpdateState(ctx, id, state); err != nil {
		return fmt.Errorf("saving conversation %s: %w", id, err)
	}

	s.logger.Info("conversation transferred to human", "conversation_id", id, "from", from, "reason", reason)
	if err := s.events.Publish(ctx, events.NewEvent(events.EventConversationEscalated, id, string(types.AgentHuman), map[string]any{
		"from":   string(from),
		"reason": reason,
		"level":  state.EscalationLevel,
	})); err != nil {
		s.logger.Debug("event not published", "error", err)
	}
	return nil
}

// History lists the checkpoints of a conversation, most recent first
func (s *Service) History(ctx context.Context, id string, limit int) ([]types.CheckpointMetadata, error) {
	return s.checkpoints.List(ctx, id, limit)
}

// Health status values
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// LayerStatus is the health of one storage layer
type LayerStatus struct {
	Layer string `json:"layer"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthReport is the overall service health
type HealthReport struct {
	Status string        `json:"status"`
	Layers []LayerStatus `json:"layers"`
	Active int           `json:"active_conversations"`
}

// Health probes every storage layer
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: HealthHealthy, Active: s.conversations.Active()}
	for _, l := range s.checkpoints.Health(ctx) {
		ls := LayerStatus{Layer: l.Layer, OK: l.Err == nil}
		if l.Err != nil {
			ls.Error = l.Err.Error()
			report.Status = HealthDegraded
		}
		report.Layers = append(report.Layers, ls)
	}
	return report
}
