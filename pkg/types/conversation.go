// Package types defines core data structures for Switchboard
package types

import (
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusEscalated ConversationStatus = "escalated"
	ConversationStatusClosed    ConversationStatus = "closed"
	ConversationStatusError     ConversationStatus = "error"
)

// ConversationRole represents the role of a message sender
type ConversationRole string

const (
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
	ConversationRoleSystem    ConversationRole = "system"
)

// AgentType identifies a processing stage of the hand-off state machine
type AgentType string

const (
	AgentRouting          AgentType = "routing"
	AgentCustomerService  AgentType = "customer_service"
	AgentTechnicalSupport AgentType = "technical_support"
	AgentSales            AgentType = "sales"
	AgentBilling          AgentType = "billing"
	AgentEscalation       AgentType = "escalation"
	AgentQualityAssurance AgentType = "quality_assurance"
	AgentHuman            AgentType = "human"
)

// Sentiment is the coarse customer sentiment attached to a turn
type Sentiment string

const (
	SentimentPositive   Sentiment = "positive"
	SentimentNeutral    Sentiment = "neutral"
	SentimentNegative   Sentiment = "negative"
	SentimentFrustrated Sentiment = "frustrated"
)

// IsNegative reports whether the sentiment counts towards a negative streak
func (s Sentiment) IsNegative() bool {
	return s == SentimentNegative || s == SentimentFrustrated
}

// Turn is a single entry of the conversation history
type Turn struct {
	Role      ConversationRole `json:"role" cbor:"role"`
	Content   string           `json:"content" cbor:"content"`
	Agent     AgentType        `json:"agent_type,omitempty" cbor:"agent_type,omitempty"`
	Sentiment Sentiment        `json:"sentiment,omitempty" cbor:"sentiment,omitempty"`
	Timestamp time.Time        `json:"timestamp" cbor:"timestamp"`

	// Extra holds fields written by newer versions that this build does not know
	Extra map[string]any `json:"-" cbor:"-"`
}

// EscalationRecord captures one hand-off between agents
type EscalationRecord struct {
	From      AgentType `json:"from" cbor:"from"`
	To        AgentType `json:"to" cbor:"to"`
	Reason    string    `json:"reason" cbor:"reason"`
	Level     int       `json:"level" cbor:"level"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`

	Extra map[string]any `json:"-" cbor:"-"`
}

// ErrorRecord captures a failed agent turn
type ErrorRecord struct {
	Agent     AgentType `json:"agent" cbor:"agent"`
	Kind      string    `json:"kind" cbor:"kind"`
	Message   string    `json:"message" cbor:"message"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`

	Extra map[string]any `json:"-" cbor:"-"`
}

// ConversationState is the full working state of one conversation
type ConversationState struct {
	ConversationID string             `json:"conversation_id"`
	SessionID      string             `json:"session_id"`
	CustomerID     string             `json:"customer_id,omitempty"`
	Generation     int                `json:"generation"`
	Status         ConversationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`

	History       []Turn    `json:"history"`
	CurrentIntent string    `json:"current_intent,omitempty"`
	Sentiment     Sentiment `json:"sentiment,omitempty"`

	// Session holds session-scoped key/value data
	Session map[string]Value `json:"session,omitempty"`
	// AgentState holds private state blobs keyed by agent type
	AgentState map[AgentType]map[string]Value `json:"agent_state,omitempty"`

	// CurrentAgent is empty while the conversation awaits routing
	CurrentAgent       AgentType          `json:"current_agent,omitempty"`
	PreviousAgents     []AgentType        `json:"previous_agents,omitempty"`
	EscalationLevel    int                `json:"escalation_level"`
	Escalations        []EscalationRecord `json:"escalations,omitempty"`
	ErrorLog           []ErrorRecord      `json:"error_log,omitempty"`
	ResolutionAttempts int                `json:"resolution_attempts"`
	RequiresHuman      bool               `json:"requires_human"`
	NegativeStreak     int                `json:"negative_streak"`

	Extra map[string]any `json:"-"`
}

// NewConversationState creates a fresh active state
func NewConversationState(conversationID, sessionID string, now time.Time) *ConversationState {
	now = now.UTC()
	return &ConversationState{
		ConversationID: conversationID,
		SessionID:      sessionID,
		Status:         ConversationStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		Sentiment:      SentimentNeutral,
		Session:        map[string]Value{},
		AgentState:     map[AgentType]map[string]Value{},
	}
}

// Step returns the checkpoint step of the state, the length of its history
func (s *ConversationState) Step() int {
	return len(s.History)
}

// Version returns the ordering key used for checkpoints of this state
func (s *ConversationState) Version() Version {
	return Version{Generation: s.Generation, Step: s.Step()}
}

// Touch stamps the last activity time without moving it backwards
func (s *ConversationState) Touch(now time.Time) {
	now = now.UTC()
	if now.Before(s.CreatedAt) {
		now = s.CreatedAt
	}
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// AppendTurn appends a turn to the history
func (s *ConversationState) AppendTurn(t Turn) {
	t.Timestamp = t.Timestamp.UTC()
	s.History = append(s.History, t)
}

// AgentData returns the private state blob of an agent, creating it if needed
func (s *ConversationState) AgentData(agent AgentType) map[string]Value {
	if s.AgentState == nil {
		s.AgentState = map[AgentType]map[string]Value{}
	}
	data, ok := s.AgentState[agent]
	if !ok {
		data = map[string]Value{}
		s.AgentState[agent] = data
	}
	return data
}

// Clone returns a deep copy of the state
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	if s.History != nil {
		c.History = make([]Turn, len(s.History))
		for i, t := range s.History {
			t.Extra = cloneAnyMap(t.Extra)
			c.History[i] = t
		}
	}
	c.Session = cloneValues(s.Session)
	if s.AgentState != nil {
		c.AgentState = make(map[AgentType]map[string]Value, len(s.AgentState))
		for k, v := range s.AgentState {
			c.AgentState[k] = cloneValues(v)
		}
	}
	if s.PreviousAgents != nil {
		c.PreviousAgents = append([]AgentType(nil), s.PreviousAgents...)
	}
	if s.Escalations != nil {
		c.Escalations = make([]EscalationRecord, len(s.Escalations))
		for i, e := range s.Escalations {
			e.Extra = cloneAnyMap(e.Extra)
			c.Escalations[i] = e
		}
	}
	if s.ErrorLog != nil {
		c.ErrorLog = make([]ErrorRecord, len(s.ErrorLog))
		for i, e := range s.ErrorLog {
			e.Extra = cloneAnyMap(e.Extra)
			c.ErrorLog[i] = e
		}
	}
	c.Extra = cloneAnyMap(s.Extra)
	return &c
}

// MessageCount returns the number of user and assistant turns
func (s *ConversationState) MessageCount() int {
	n := 0
	for _, t := range s.History {
		if t.Role != ConversationRoleSystem {
			n++
		}
	}
	return n
}

// AgentsInvolved returns the distinct agents that produced turns, in order of first appearance
func (s *ConversationState) AgentsInvolved() []AgentType {
	seen := make(map[AgentType]bool)
	var out []AgentType
	for _, t := range s.History {
		if t.Agent == "" || seen[t.Agent] {
			continue
		}
		seen[t.Agent] = true
		out = append(out, t.Agent)
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAnyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
