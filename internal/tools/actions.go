package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/switchboard/internal/checkpoint"
	"github.com/cloud-shuttle/switchboard/internal/conversation"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

const (
	ActionCreateTicket = "create_ticket"
	ActionSendEmail    = "send_email"
)

// IntentStore persists the side effects of each processing step
type IntentStore interface {
	PutWriteIntent(ctx context.Context, conversationID, stepID string, intents []types.WriteIntent) error
	GetWriteIntent(ctx context.Context, conversationID, stepID string) (*types.WriteIntentRecord, error)
}

// Ticket is a support ticket
type Ticket struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	Subject        string    `json:"subject"`
	Priority       string    `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
}

// Email is an outbound customer email
type Email struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
}

// Outbox receives the side effects performed by Actions
type Outbox interface {
	FileTicket(ctx context.Context, t Ticket) error
	DeliverEmail(ctx context.Context, e Email) error
}

// Actions performs side-effecting operations at most once per
// (conversation, step). A repeated call for the same step returns the
// result recorded by the first one.
type Actions struct {
	intents IntentStore
	outbox  Outbox
	logger  *slog.Logger
	now     func() time.Time
	steps   *conversation.Locker
}

// NewActions creates an Actions over an intent store and outbox
func NewActions(intents IntentStore, outbox Outbox, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		intents: intents,
		outbox:  outbox,
		logger:  logger,
		now:     time.Now,
		steps:   conversation.NewLocker(),
	}
}

// CreateTicket files a ticket and returns its ID
func (a *Actions) CreateTicket(ctx context.Context, conversationID, stepID string, t Ticket) (string, error) {
	if t.Priority == "" {
		t.Priority = "normal"
	}
	args := map[string]string{"subject": t.Subject, "priority": t.Priority, "customer_id": t.CustomerID}
	return a.once(ctx, conversationID, stepID, ActionCreateTicket, args, func(id string) error {
		t.ID = id
		t.ConversationID = conversationID
		t.CreatedAt = a.now().UTC()
		return a.outbox.FileTicket(ctx, t)
	})
}

// SendEmail delivers an email and returns its message ID
func (a *Actions) SendEmail(ctx context.Context, conversationID, stepID string, e Email) (string, error) {
	if e.To == "" {
		return "", errors.New("send email: recipient required")
	}
	args := map[string]string{"to": e.To, "subject": e.Subject}
	return a.once(ctx, conversationID, stepID, ActionSendEmail, args, func(id string) error {
		e.ID = id
		e.ConversationID = conversationID
		e.SentAt = a.now().UTC()
		return a.outbox.DeliverEmail(ctx, e)
	})
}

func (a *Actions) once(ctx context.Context, conversationID, stepID, action string, args map[string]string, perform func(id string) error) (string, error) {
	unlock := a.steps.Lock(conversationID + "\x00" + stepID)
	defer unlock()

	rec, err := a.intents.GetWriteIntent(ctx, conversationID, stepID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return "", fmt.Errorf("%s: reading write intents: %w", action, err)
	}
	if prior, ok := rec.Find(action); ok {
		a.logger.Debug("action already performed",
			"action", action,
			"conversation_id", conversationID,
			"step_id", stepID,
			"result", prior.Result,
		)
		return prior.Result, nil
	}

	id := uuid.New().String()
	if err := perform(id); err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}

	var intents []types.WriteIntent
	if rec != nil {
		intents = append(intents, rec.Intents...)
	}
	intents = append(intents, types.WriteIntent{
		Action:    action,
		Args:      args,
		Result:    id,
		CreatedAt: a.now().UTC(),
	})
	if err := a.intents.PutWriteIntent(ctx, conversationID, stepID, intents); err != nil {
		return "", fmt.Errorf("%s: recording write intent: %w", action, err)
	}

	a.logger.Info("action performed",
		"action", action,
		"conversation_id", conversationID,
		"step_id", stepID,
		"result", id,
	)
	return id, nil
}

// MemoryOutbox keeps filed tickets and delivered emails in memory
type MemoryOutbox struct {
	mu      sync.Mutex
	tickets []Ticket
	emails  []Email
}

func (o *MemoryOutbox) FileTicket(ctx context.Context, t Ticket) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tickets = append(o.tickets, t)
	return nil
}

func (o *MemoryOutbox) DeliverEmail(ctx context.Context, e Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emails = append(o.emails, e)
	return nil
}

// Tickets returns the filed tickets
func (o *MemoryOutbox) Tickets() []Ticket {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Ticket(nil), o.tickets...)
}

// Emails returns the delivered emails
func (o *MemoryOutbox) Emails() []Email {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Email(nil), o.emails...)
}
