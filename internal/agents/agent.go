// Package agents implements the prompt-driven specialists that answer
// customer messages. Each agent reads the conversation state, may consult
// the business-data tools, and returns a Response the orchestrator applies.
package agents

import (
	"context"

	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// Agent processes one inbound message. Implementations must not mutate
// state; changes are returned in the Response.
type Agent interface {
	Type() types.AgentType
	Process(ctx context.Context, message string, state *types.ConversationState) (*Response, error)
}

// Response is the outcome of one agent turn
type Response struct {
	Agent      types.AgentType
	Content    string
	Confidence float64
	Intent     string
	Sentiment  types.Sentiment

	// RequestEscalation is set when the agent itself asks to hand off
	RequestEscalation bool
	EscalationReason  string

	// SessionUpdates are merged into the session data
	SessionUpdates map[string]types.Value
	// AgentState replaces the agent's private state blob when non-nil
	AgentState map[string]types.Value

	// Actions lists side effects performed, as action=result pairs
	Actions []string
}
