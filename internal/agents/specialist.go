package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/switchboard/internal/llm"
	"github.com/cloud-shuttle/switchboard/internal/tools"
	"github.com/cloud-shuttle/switchboard/pkg/telemetry"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// EscalateMarker in generated text asks the orchestrator to hand off
const EscalateMarker = "[ESCALATE]"

const escalationNotice = "I understand, and I want to make sure you get the best possible help. Let me connect you with a senior specialist who can address your concerns."

// Deps are the collaborators shared by all specialists
type Deps struct {
	Generator llm.Generator
	Directory tools.Directory
	Knowledge tools.KnowledgeBase
	Actions   *tools.Actions
	Logger    *slog.Logger
}

// Specialist is an Agent driven by a Profile
type Specialist struct {
	profile Profile
	deps    Deps
	logger  *slog.Logger
}

// New creates a specialist
func New(p Profile, deps Deps) *Specialist {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if p.Sampling == (llm.Sampling{}) {
		p.Sampling = llm.DefaultSampling
	}
	return &Specialist{
		profile: p,
		deps:    deps,
		logger:  logger.With("agent", string(p.Type)),
	}
}

// NewSet creates one specialist per profile, keyed by agent type
func NewSet(deps Deps, profiles ...Profile) map[types.AgentType]Agent {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	set := make(map[types.AgentType]Agent, len(profiles))
	for _, p := range profiles {
		set[p.Type] = New(p, deps)
	}
	return set
}

func (s *Specialist) Type() types.AgentType {
	return s.profile.Type
}

// Process answers a message
func (s *Specialist) Process(ctx context.Context, message string, state *types.ConversationState) (*Response, error) {
	if s.deps.Generator == nil {
		return nil, errors.New("no generator configured")
	}

	private := make(map[string]types.Value)
	for k, v := range state.AgentState[s.profile.Type] {
		private[k] = v
	}
	turns, _ := private["turns"].Num()
	private["turns"] = types.Number(turns + 1)

	resp := &Response{
		Agent:      s.profile.Type,
		Sentiment:  DetectSentiment(message),
		AgentState: private,
	}

	if s.profile.QuickResponses {
		if reply, ok := quickResponse(message); ok {
			resp.Content = reply
			resp.Confidence = 0.9
			return resp, nil
		}
	}

	if !s.profile.HandlesEscalation && RequestsHuman(message) {
		resp.Content = escalationNotice
		resp.Confidence = 0.9
		resp.RequestEscalation = true
		resp.EscalationReason = "customer requested escalation"
		return resp, nil
	}

	var sections []string
	if s.profile.Customer {
		if section, updates := s.customerContext(ctx, state); section != "" {
			sections = append(sections, section)
			resp.SessionUpdates = updates
		}
	}
	if s.profile.PhoneServices {
		if section := s.servicesContext(ctx, state); section != "" {
			sections = append(sections, section)
		}
	}

	var articles []tools.Article
	if s.profile.Knowledge && s.deps.Knowledge != nil {
		articles = s.searchKnowledge(ctx, message)
		sections = append(sections, knowledgeSection(articles))
		private["last_kb_hits"] = types.Number(float64(len(articles)))
	}

	if s.profile.TicketOnOutage && s.deps.Actions != nil && resp.Sentiment.IsNegative() {
		if _, ok := MatchAny(message, outageWords); ok {
			if id, ok := s.openTicket(ctx, message, state, resp.Sentiment); ok {
				private["ticket_id"] = types.String(id)
				resp.Actions = append(resp.Actions, tools.ActionCreateTicket+"="+id)
				sections = append(sections, fmt.Sprintf("A support ticket %s has been opened for this issue. Mention it to the customer.", id))
			}
		}
	}

	text, err := s.deps.Generator.Generate(ctx, s.systemPrompt(state, sections), message, s.profile.Sampling)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if strings.Contains(text, EscalateMarker) {
		text = strings.TrimSpace(strings.ReplaceAll(text, EscalateMarker, ""))
		resp.RequestEscalation = true
		resp.EscalationReason = "agent requested escalation"
	}
	if text == "" {
		return nil, &llm.GenerationError{Kind: llm.ErrorMalformed, Err: errors.New("empty response")}
	}

	if s.profile.HandlesEscalation && RequestsHuman(message) {
		resp.RequestEscalation = true
		resp.EscalationReason = "customer requested a human agent"
	}

	resp.Content = text
	resp.Confidence = confidence(articles, text)
	private["last_confidence"] = types.Number(resp.Confidence)
	return resp, nil
}

func (s *Specialist) customerContext(ctx context.Context, state *types.ConversationState) (string, map[string]types.Value) {
	if s.deps.Directory == nil || state.CustomerID == "" {
		return "", nil
	}
	_, span := telemetry.StartSpan(ctx, telemetry.SpanAgentTool, attribute.String("tool", "lookup_customer"))
	defer span.End()

	p, ok, err := s.deps.Directory.LookupCustomer(ctx, state.CustomerID)
	if err != nil {
		s.logger.Warn("customer lookup failed", "conversation_id", state.ConversationID, "error", err)
		return "", nil
	}
	if !ok {
		return "", nil
	}
	section := fmt.Sprintf("Customer: %s (tier %s, account %s, pays by %s)", p.Name, p.Tier, p.AccountStatus, p.PaymentMethod)
	if p.Notes != "" {
		section += "\nNotes: " + p.Notes
	}
	return section, map[string]types.Value{
		"customer_name": types.String(p.Name),
		"customer_tier": types.String(p.Tier),
	}
}

func (s *Specialist) servicesContext(ctx context.Context, state *types.ConversationState) string {
	if s.deps.Directory == nil || state.CustomerID == "" {
		return ""
	}
	_, span := telemetry.StartSpan(ctx, telemetry.SpanAgentTool, attribute.String("tool", "lookup_phone_services"))
	defer span.End()

	svc, ok, err := s.deps.Directory.LookupPhoneServices(ctx, state.CustomerID)
	if err != nil {
		s.logger.Warn("phone service lookup failed", "conversation_id", state.ConversationID, "error", err)
		return ""
	}
	if !ok || len(svc.Services) == 0 {
		return ""
	}
	lines := []string{"Lines on account:"}
	for _, l := range svc.Services {
		lines = append(lines, fmt.Sprintf("- %s: %s plan, %s (%s)",
			tools.FormatPhoneNumber(l.PhoneNumber), l.Plan, l.Status, strings.Join(l.Features, ", ")))
	}
	return strings.Join(lines, "\n")
}

func (s *Specialist) searchKnowledge(ctx context.Context, query string) []tools.Article {
	_, span := telemetry.StartSpan(ctx, telemetry.SpanAgentTool, attribute.String("tool", "search_knowledge"))
	defer span.End()

	articles, err := s.deps.Knowledge.SearchKnowledge(ctx, query, 3)
	if err != nil {
		s.logger.Warn("knowledge search failed", "error", err)
		return nil
	}
	return articles
}

func (s *Specialist) openTicket(ctx context.Context, message string, state *types.ConversationState, sentiment types.Sentiment) (string, bool) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAgentTool, attribute.String("tool", tools.ActionCreateTicket))
	defer span.End()

	priority := "normal"
	if sentiment == types.SentimentFrustrated {
		priority = "high"
	}
	subject := message
	if len(subject) > 80 {
		subject = subject[:80]
	}
	id, err := s.deps.Actions.CreateTicket(ctx, state.ConversationID, StepID(state), tools.Ticket{
		CustomerID: state.CustomerID,
		Subject:    subject,
		Priority:   priority,
	})
	if err != nil {
		s.logger.Warn("ticket creation failed", "conversation_id", state.ConversationID, "error", err)
		return "", false
	}
	return id, true
}

func (s *Specialist) systemPrompt(state *types.ConversationState, sections []string) string {
	var b strings.Builder
	b.WriteString(s.profile.Role)
	b.WriteString("\n\nGuidelines:\n")
	for i, g := range s.profile.Guidelines {
		fmt.Fprintf(&b, "%d. %s\n", i+1, g)
	}
	fmt.Fprintf(&b, "If you cannot resolve the request, include %s in your reply.\n", EscalateMarker)

	b.WriteString("\nContext:\n")
	history := state.History
	if len(history) > 3 {
		history = history[len(history)-3:]
	}
	for _, t := range history {
		who := "Agent"
		if t.Role == types.ConversationRoleUser {
			who = "Customer"
		}
		content := t.Content
		if len(content) > 100 {
			content = content[:100]
		}
		fmt.Fprintf(&b, "- %s: %s\n", who, content)
	}
	if state.CurrentIntent != "" {
		fmt.Fprintf(&b, "Current intent: %s\n", state.CurrentIntent)
	}
	if state.Sentiment != "" {
		fmt.Fprintf(&b, "Customer sentiment: %s\n", state.Sentiment)
	}
	for _, section := range sections {
		b.WriteString("\n")
		b.WriteString(section)
		b.WriteString("\n")
	}
	return b.String()
}

// StepID identifies the processing step a state is about to take
func StepID(state *types.ConversationState) string {
	return strconv.Itoa(state.Generation) + "-" + strconv.Itoa(state.Step())
}

func knowledgeSection(articles []tools.Article) string {
	if len(articles) == 0 {
		return "No specific knowledge base articles found for this query."
	}
	lines := []string{"Relevant knowledge base articles:"}
	for i, a := range articles {
		content := a.Content
		if len(content) > 200 {
			content = content[:200]
		}
		lines = append(lines, fmt.Sprintf("%d. %s (relevance: %.2f)\n   %s", i+1, a.Title, a.Score, content))
	}
	return strings.Join(lines, "\n")
}

var genericPhrases = []string{"i understand", "i'm sorry", "let me help", "i apologize"}

func confidence(articles []tools.Article, text string) float64 {
	c := 0.7
	if len(articles) > 0 {
		var sum float64
		for _, a := range articles {
			sum += a.Score
		}
		c += min(0.2, sum/float64(len(articles))*0.3)
	}
	lower := strings.ToLower(text)
	generic := 0
	for _, p := range genericPhrases {
		if strings.Contains(lower, p) {
			generic++
		}
	}
	if generic > 2 {
		c -= 0.1
	}
	return max(0.3, min(1.0, c))
}

func quickResponse(message string) (string, bool) {
	n := Normalize(message)
	words := len(strings.Fields(n))
	switch {
	case words <= 3 && (ContainsPhrase(n, "hello") || ContainsPhrase(n, "hi") || ContainsPhrase(n, "hey")):
		return "Hello! I'm here to help you today. What can I assist you with?", true
	case words <= 5 && (ContainsPhrase(n, "thank you") || ContainsPhrase(n, "thanks")):
		return "You're very welcome! Is there anything else I can help you with?", true
	case words <= 3 && (ContainsPhrase(n, "bye") || ContainsPhrase(n, "goodbye")):
		return "Thank you for contacting us! Have a wonderful day!", true
	}
	return "", false
}
