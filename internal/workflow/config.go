// Package workflow implements the hand-off state machine: it routes each
// inbound message to an agent, applies the agent's response to the
// conversation state and decides when to escalate.
package workflow

import (
	"fmt"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/agents"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

const (
	DefaultMinConfidence   = 0.5
	DefaultMaxMessages     = 10
	DefaultNegativeStreak  = 3
	DefaultGenerateTimeout = 30 * time.Second
)

// Intents assigned by keyword classification
const (
	IntentTechnical = "technical_support"
	IntentBilling   = "billing_inquiry"
	IntentSales     = "sales_inquiry"
	IntentComplaint = "complaint"
	IntentGeneral   = "general_inquiry"
)

// Category is a keyword list routed to one agent. Categories are matched in
// order; the first with any keyword present wins.
type Category struct {
	Intent   string          `yaml:"intent"`
	Agent    types.AgentType `yaml:"agent"`
	Keywords []string        `yaml:"keywords"`
}

// Config is the explicit routing and escalation configuration of an Orchestrator
type Config struct {
	Agents map[types.AgentType]agents.Agent `yaml:"-"`

	Categories   []Category      `yaml:"categories"`
	DefaultAgent types.AgentType `yaml:"default_agent"`
	// Rules lists the intents an agent keeps handling; "*" matches any intent
	Rules map[types.AgentType][]string `yaml:"rules"`
	// RerouteKeywords force a new classification when present in a message
	RerouteKeywords []string `yaml:"reroute_keywords"`

	EscalationMap      map[types.AgentType]types.AgentType `yaml:"escalation_map"`
	FallbackEscalation types.AgentType                     `yaml:"fallback_escalation"`
	MinConfidence      float64                             `yaml:"min_confidence"`
	MaxMessages        int                                 `yaml:"max_messages"`
	NegativeStreak     int                                 `yaml:"negative_streak"`
	EscalationKeywords []string                            `yaml:"escalation_keywords"`
	GenerateTimeout    time.Duration                       `yaml:"generate_timeout"`
}

// DefaultConfig returns the built-in routing table without any agents
func DefaultConfig() Config {
	return Config{
		Categories: []Category{
			{Intent: IntentTechnical, Agent: types.AgentTechnicalSupport, Keywords: []string{
				"broken", "not working", "error", "bug", "slow", "connection", "network",
				"outage", "down", "no signal", "no service", "technical", "crash",
				"internet", "wifi", "dropped calls", "reset",
			}},
			{Intent: IntentBilling, Agent: types.AgentBilling, Keywords: []string{
				"bill", "billing", "charge", "charged", "payment", "invoice", "refund",
				"fee", "balance", "statement", "paid", "overcharged", "auto pay",
			}},
			{Intent: IntentSales, Agent: types.AgentSales, Keywords: []string{
				"buy", "purchase", "upgrade", "plan", "pricing", "subscription",
				"new line", "offer", "deal", "discount", "trial", "add a line",
			}},
			{Intent: IntentComplaint, Agent: types.AgentEscalation, Keywords: []string{
				"complaint", "complain", "manager", "supervisor", "unacceptable",
				"lawyer", "legal", "terrible service", "worst",
			}},
		},
		DefaultAgent: types.AgentCustomerService,
		Rules: map[types.AgentType][]string{
			types.AgentTechnicalSupport: {"technical"},
			types.AgentBilling:          {"billing"},
			types.AgentSales:            {"sales"},
			types.AgentCustomerService:  {"general"},
			types.AgentEscalation:       {"*"},
		},
		RerouteKeywords: []string{"transfer me", "different department", "wrong department", "start over"},
		EscalationMap: map[types.AgentType]types.AgentType{
			types.AgentRouting:          types.AgentCustomerService,
			types.AgentCustomerService:  types.AgentEscalation,
			types.AgentTechnicalSupport: types.AgentEscalation,
			types.AgentBilling:          types.AgentEscalation,
			types.AgentSales:            types.AgentCustomerService,
			types.AgentEscalation:       types.AgentHuman,
		},
		FallbackEscalation: types.AgentEscalation,
		MinConfidence:      DefaultMinConfidence,
		MaxMessages:        DefaultMaxMessages,
		NegativeStreak:     DefaultNegativeStreak,
		EscalationKeywords: []string{"escalate", "supervisor", "manager", "human agent"},
		GenerateTimeout:    DefaultGenerateTimeout,
	}
}

// Validate checks thresholds and that every category and escalation target is named
func (c *Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence %v outside [0,1]", c.MinConfidence)
	}
	if c.MaxMessages <= 0 {
		return fmt.Errorf("max messages must be positive, got %d", c.MaxMessages)
	}
	if c.NegativeStreak <= 0 {
		return fmt.Errorf("negative streak must be positive, got %d", c.NegativeStreak)
	}
	if c.GenerateTimeout <= 0 {
		return fmt.Errorf("generate timeout must be positive, got %s", c.GenerateTimeout)
	}
	if c.DefaultAgent == "" {
		return fmt.Errorf("default agent is required")
	}
	if c.FallbackEscalation == "" {
		return fmt.Errorf("fallback escalation agent is required")
	}
	for i, cat := range c.Categories {
		if cat.Agent == "" || cat.Intent == "" {
			return fmt.Errorf("category %d: intent and agent are required", i)
		}
	}
	for from, to := range c.EscalationMap {
		if to == "" {
			return fmt.Errorf("escalation map: no target for %s", from)
		}
	}
	return nil
}
