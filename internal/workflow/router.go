package workflow

import (
	"strings"

	"github.com/cloud-shuttle/switchboard/internal/agents"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// Route is the routing decision for one message
type Route struct {
	Agent  types.AgentType
	Intent string
	// Kept is set when the current agent keeps the conversation
	Kept bool
	// Forced is set when the message asked to be re-routed
	Forced bool
}

// Classify returns the intent and agent of the first category matching message
func (c *Config) Classify(message string) (string, types.AgentType) {
	n := agents.Normalize(message)
	for _, cat := range c.Categories {
		for _, kw := range cat.Keywords {
			if agents.ContainsPhrase(n, kw) {
				return cat.Intent, cat.Agent
			}
		}
	}
	return IntentGeneral, c.DefaultAgent
}

// Route picks the agent for message. The current agent keeps the
// conversation while its rule matches the intent; a message without a
// specific intent inherits the current one.
func (c *Config) Route(state *types.ConversationState, message string) Route {
	intent, target := c.Classify(message)
	_, forced := agents.MatchAny(message, c.RerouteKeywords)

	if intent == IntentGeneral && state.CurrentIntent != "" && !forced {
		intent = state.CurrentIntent
		target = c.agentFor(intent)
	}
	if !forced && state.CurrentAgent != "" && state.CurrentIntent != "" && c.ruleMatches(state.CurrentAgent, intent) {
		return Route{Agent: state.CurrentAgent, Intent: intent, Kept: true}
	}
	return Route{Agent: target, Intent: intent, Forced: forced}
}

func (c *Config) agentFor(intent string) types.AgentType {
	for _, cat := range c.Categories {
		if cat.Intent == intent {
			return cat.Agent
		}
	}
	return c.DefaultAgent
}

func (c *Config) ruleMatches(agent types.AgentType, intent string) bool {
	for _, pattern := range c.Rules[agent] {
		if pattern == "*" || strings.Contains(intent, pattern) {
			return true
		}
	}
	return false
}
