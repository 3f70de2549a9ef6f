// Package events streams conversation lifecycle events to in-process subscribers
package events

import (
	"slices"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventConversationCreated is emitted when a new conversation cycle starts
	EventConversationCreated EventType = "conversation.created"
	// EventConversationReactivated is emitted when a checkpointed conversation is loaded back into the active table
	EventConversationReactivated EventType = "conversation.reactivated"
	// EventConversationClosed is emitted when a conversation is closed
	EventConversationClosed EventType = "conversation.closed"
	// EventConversationReclaimed is emitted when the idle sweep closes a conversation
	EventConversationReclaimed EventType = "conversation.reclaimed"
	// EventConversationEscalated is emitted when the escalation policy triggers
	EventConversationEscalated EventType = "conversation.escalated"
	// EventAgentHandoff is emitted when ownership moves to another agent
	EventAgentHandoff EventType = "agent.handoff"
	// EventAgentFailed is emitted when an agent turn fails and is converted to a safe response
	EventAgentFailed EventType = "agent.failed"
	// EventDurableWriteFailed is emitted when a background durable write fails
	EventDurableWriteFailed EventType = "storage.durable_write_failed"
)

// Event represents a single conversation lifecycle event
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      int64          `json:"timestamp"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, conversationID, agent string, data map[string]any) *Event {
	return &Event{
		Type:           eventType,
		Timestamp:      time.Now().Unix(),
		ConversationID: conversationID,
		Agent:          agent,
		Data:           data,
	}
}

// EventFilter selects events for a subscription. Empty fields match anything.
type EventFilter struct {
	Types          []EventType `json:"types,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

// Match reports whether the event passes the filter
func (f EventFilter) Match(event *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, event.Type) {
		return false
	}
	return f.ConversationID == "" || event.ConversationID == f.ConversationID
}
