// Package telemetry provides OpenTelemetry observability for Switchboard
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for Switchboard-specific attributes
const (
	// Conversation attributes
	KeyConversationID = "switchboard.conversation.id"
	KeyStep           = "switchboard.conversation.step"
	KeyGeneration     = "switchboard.conversation.generation"
	KeyStatus         = "switchboard.conversation.status"

	// Agent attributes
	KeyAgentType    = "switchboard.agent.type"
	KeyAgentOutcome = "switchboard.agent.outcome"

	// Escalation attributes
	KeyEscalated        = "switchboard.escalation.triggered"
	KeyEscalationFrom   = "switchboard.escalation.from"
	KeyEscalationTo     = "switchboard.escalation.to"
	KeyEscalationReason = "switchboard.escalation.reason"

	// Storage attributes
	KeyStoreKey    = "switchboard.store.key"
	KeyStoreLayer  = "switchboard.store.layer"
	KeyStoreResult = "switchboard.store.result"

	// Error attributes
	KeyErrorType     = "switchboard.error.type"
	KeyErrorCategory = "switchboard.error.category"
)

// Storage layer names
const (
	LayerMemory  = "memory"
	LayerCache   = "cache"
	LayerDurable = "durable"
)

// Cache lookup results
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Error categories
const (
	ErrorCategoryStorage    = "storage"
	ErrorCategoryGeneration = "generation"
	ErrorCategoryRouting    = "routing"
	ErrorCategoryCorrupt    = "corrupt"
)

// ConversationAttrs returns the standard attributes for a conversation
func ConversationAttrs(conversationID string, generation, step int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyConversationID, conversationID),
		attribute.Int(KeyGeneration, generation),
		attribute.Int(KeyStep, step),
	}
}
