package agents

import (
	"github.com/cloud-shuttle/switchboard/internal/llm"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

var outageWords = []string{
	"outage", "no signal", "no service", "down", "not working", "dropped calls", "no internet",
}

// Profile configures a Specialist
type Profile struct {
	Type       types.AgentType
	Role       string
	Guidelines []string
	Sampling   llm.Sampling

	// Knowledge searches the knowledge base with each message
	Knowledge bool
	// Customer adds the customer profile to the prompt
	Customer bool
	// PhoneServices adds the customer's lines to the prompt
	PhoneServices bool
	// TicketOnOutage opens a ticket for negative outage reports
	TicketOnOutage bool
	// QuickResponses answers greetings and thanks without generation
	QuickResponses bool
	// HandlesEscalation marks the agent that receives escalations
	HandlesEscalation bool
}

// DefaultProfiles returns the built-in specialists
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Type: types.AgentCustomerService,
			Role: "You are a friendly and professional customer service representative.",
			Guidelines: []string{
				"Be helpful, empathetic, and professional",
				"Provide clear, actionable solutions when possible",
				"Ask clarifying questions if needed",
			},
			Sampling:       llm.Sampling{Temperature: 0.7, MaxTokens: 300},
			Knowledge:      true,
			Customer:       true,
			QuickResponses: true,
		},
		{
			Type: types.AgentTechnicalSupport,
			Role: "You are a technical support specialist for phone and internet services.",
			Guidelines: []string{
				"Diagnose the problem step by step",
				"Give concrete troubleshooting instructions",
				"Reference any ticket that was opened",
			},
			Sampling:       llm.Sampling{Temperature: 0.3, MaxTokens: 400},
			Knowledge:      true,
			Customer:       true,
			PhoneServices:  true,
			TicketOnOutage: true,
		},
		{
			Type: types.AgentSales,
			Role: "You are a sales consultant helping customers choose plans and products.",
			Guidelines: []string{
				"Recommend plans that fit the customer's current lines",
				"Be clear about pricing",
				"Never pressure the customer",
			},
			Sampling:      llm.Sampling{Temperature: 0.6, MaxTokens: 300},
			Customer:      true,
			PhoneServices: true,
		},
		{
			Type: types.AgentBilling,
			Role: "You are a billing specialist handling invoices, charges, payments and refunds.",
			Guidelines: []string{
				"Explain charges precisely",
				"Confirm the payment method on file before discussing payments",
				"Escalate refund disputes you cannot settle",
			},
			Sampling:  llm.Sampling{Temperature: 0.2, MaxTokens: 300},
			Knowledge: true,
			Customer:  true,
		},
		{
			Type: types.AgentEscalation,
			Role: "You are a senior support specialist handling escalated conversations.",
			Guidelines: []string{
				"Acknowledge the customer's frustration",
				"Summarize what has been tried so far",
				"Offer a concrete resolution or a transfer to a human agent",
			},
			Sampling:          llm.Sampling{Temperature: 0.3, MaxTokens: 400},
			Customer:          true,
			HandlesEscalation: true,
		},
	}
}
