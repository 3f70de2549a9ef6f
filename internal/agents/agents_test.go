package agents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/checkpoint"
	"github.com/cloud-shuttle/switchboard/internal/llm"
	"github.com/cloud-shuttle/switchboard/internal/tools"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

type memIntents struct {
	mu   sync.Mutex
	recs map[string]*types.WriteIntentRecord
}

func (m *memIntents) PutWriteIntent(ctx context.Context, conversationID, stepID string, intents []types.WriteIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = map[string]*types.WriteIntentRecord{}
	}
	m.recs[conversationID+"/"+stepID] = &types.WriteIntentRecord{ConversationID: conversationID, StepID: stepID, Intents: intents}
	return nil
}

func (m *memIntents) GetWriteIntent(ctx context.Context, conversationID, stepID string) (*types.WriteIntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[conversationID+"/"+stepID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return rec, nil
}

func testDeps(gen llm.Generator) (Deps, *tools.MemoryOutbox) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	outbox := &tools.MemoryOutbox{}
	return Deps{
		Generator: gen,
		Directory: tools.SampleDirectory(),
		Knowledge: tools.SampleKnowledgeBase(),
		Actions:   tools.NewActions(&memIntents{}, outbox, logger),
		Logger:    logger,
	}, outbox
}

func profile(t *testing.T, agent types.AgentType) Profile {
	t.Helper()
	for _, p := range DefaultProfiles() {
		if p.Type == agent {
			return p
		}
	}
	t.Fatalf("no profile for %s", agent)
	return Profile{}
}

func newState() *types.ConversationState {
	s := types.NewConversationState("conv-1", "sess-1", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	s.CustomerID = "CUST001"
	return s
}

func TestDetectSentiment(t *testing.T) {
	tests := []struct {
		msg  string
		want types.Sentiment
	}{
		{"This is ridiculous, I'm fed up", types.SentimentFrustrated},
		{"my phone is broken", types.SentimentNegative},
		{"thanks, that was great", types.SentimentPositive},
		{"what plans do you have", types.SentimentNeutral},
		{"I'm badly in need of a sandwich", types.SentimentNeutral},
	}
	for _, tt := range tests {
		if got := DetectSentiment(tt.msg); got != tt.want {
			t.Errorf("DetectSentiment(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestQuickResponseSkipsGeneration(t *testing.T) {
	mock := &llm.Mock{}
	deps, _ := testDeps(mock)
	a := New(profile(t, types.AgentCustomerService), deps)

	resp, err := a.Process(context.Background(), "hi there", newState())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if resp.Confidence != 0.9 || !strings.HasPrefix(resp.Content, "Hello!") {
		t.Errorf("Unexpected quick response: %+v", resp)
	}
	if mock.Calls() != 0 {
		t.Errorf("Expected no generation calls, got %d", mock.Calls())
	}
}

func TestHumanRequestEscalates(t *testing.T) {
	mock := &llm.Mock{}
	deps, _ := testDeps(mock)

	resp, err := New(profile(t, types.AgentBilling), deps).Process(context.Background(), "let me speak to your manager", newState())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !resp.RequestEscalation {
		t.Error("Expected escalation request")
	}
	if mock.Calls() != 0 {
		t.Errorf("Expected no generation calls, got %d", mock.Calls())
	}

	// the escalation agent answers and asks for a human instead
	resp, err = New(profile(t, types.AgentEscalation), deps).Process(context.Background(), "let me speak to your manager", newState())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !resp.RequestEscalation || resp.Content == "" || mock.Calls() != 1 {
		t.Errorf("Unexpected escalation agent response: %+v (calls %d)", resp, mock.Calls())
	}
}

func TestEscalateMarker(t *testing.T) {
	mock := &llm.Mock{Reply: func(_, _ string) string {
		return "I cannot change that plan myself. [ESCALATE]"
	}}
	deps, _ := testDeps(mock)

	resp, err := New(profile(t, types.AgentSales), deps).Process(context.Background(), "can I upgrade my plan", newState())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !resp.RequestEscalation || strings.Contains(resp.Content, EscalateMarker) {
		t.Errorf("Marker not handled: %+v", resp)
	}
}

func TestPromptCarriesContext(t *testing.T) {
	var prompt string
	mock := &llm.Mock{Reply: func(system, _ string) string {
		prompt = system
		return "Your bill includes a one-time fee."
	}}
	deps, _ := testDeps(mock)
	state := newState()

	resp, err := New(profile(t, types.AgentBilling), deps).Process(context.Background(), "why is my bill higher", state)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !strings.Contains(prompt, "John Doe") || !strings.Contains(prompt, "Understanding your bill") {
		t.Errorf("Prompt missing customer or knowledge context:\n%s", prompt)
	}
	if name, _ := resp.SessionUpdates["customer_name"].Str(); name != "John Doe" {
		t.Errorf("Expected customer_name session update, got %v", resp.SessionUpdates)
	}
	if resp.Confidence <= 0.7 {
		t.Errorf("Expected knowledge boost above 0.7, got %v", resp.Confidence)
	}
	if turns, _ := resp.AgentState["turns"].Num(); turns != 1 {
		t.Errorf("Expected turns = 1, got %v", turns)
	}
	if len(state.AgentState) != 0 {
		t.Error("Process mutated the input state")
	}
}

func TestOutageOpensTicketOncePerStep(t *testing.T) {
	deps, outbox := testDeps(&llm.Mock{})
	a := New(profile(t, types.AgentTechnicalSupport), deps)
	state := newState()

	first, err := a.Process(context.Background(), "my phone has no signal and it's not working", state)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	again, err := a.Process(context.Background(), "my phone has no signal and it's not working", state)
	if err != nil {
		t.Fatalf("Repeated Process failed: %v", err)
	}
	id1, _ := first.AgentState["ticket_id"].Str()
	id2, _ := again.AgentState["ticket_id"].Str()
	if id1 == "" || id1 != id2 {
		t.Errorf("Expected the same ticket for a repeated step, got %q and %q", id1, id2)
	}
	if n := len(outbox.Tickets()); n != 1 {
		t.Errorf("Expected 1 ticket, got %d", n)
	}
}

func TestGenerationErrorReturned(t *testing.T) {
	genErr := &llm.GenerationError{Kind: llm.ErrorQuota, Err: errors.New("rate limited")}
	deps, _ := testDeps(&llm.Mock{Err: genErr})

	_, err := New(profile(t, types.AgentTechnicalSupport), deps).Process(context.Background(), "internet is slow", newState())
	if llm.KindOf(err) != llm.ErrorQuota {
		t.Errorf("Expected quota error, got %v", err)
	}

	deps, _ = testDeps(&llm.Mock{Reply: func(_, _ string) string { return "  " }})
	_, err = New(profile(t, types.AgentSales), deps).Process(context.Background(), "pricing", newState())
	if llm.KindOf(err) != llm.ErrorMalformed {
		t.Errorf("Expected malformed error for empty reply, got %v", err)
	}
}

func TestNewSet(t *testing.T) {
	deps, _ := testDeps(&llm.Mock{})
	set := NewSet(deps)
	for _, agent := range []types.AgentType{
		types.AgentCustomerService, types.AgentTechnicalSupport, types.AgentSales,
		types.AgentBilling, types.AgentEscalation,
	} {
		if a, ok := set[agent]; !ok || a.Type() != agent {
			t.Errorf("Set missing %s", agent)
		}
	}
}
