package types

import (
	"testing"
	"time"
)

func TestVersionLess(t *testing.T) {
	tests := []struct {
		a, b Version
		want bool
	}{
		{Version{0, 1}, Version{0, 2}, true},
		{Version{0, 2}, Version{0, 2}, false},
		{Version{0, 5}, Version{0, 2}, false},
		{Version{0, 9}, Version{1, 0}, true},
		{Version{2, 0}, Version{1, 9}, false},
	}
	for _, tt := range tests {
		if got := tt.a.Less(tt.b); got != tt.want {
			t.Errorf("%s.Less(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewConversationState("c1", "s1", start)

	s.Touch(start.Add(time.Minute))
	s.Touch(start.Add(-time.Hour))
	if want := start.Add(time.Minute); !s.LastActivityAt.Equal(want) {
		t.Errorf("LastActivityAt = %v, want %v", s.LastActivityAt, want)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewConversationState("c1", "s1", time.Now())
	s.AppendTurn(Turn{Role: ConversationRoleUser, Content: "hi"})
	s.Session["name"] = String("Ada")
	s.AgentData(AgentBilling)["turns"] = Number(1)
	s.PreviousAgents = []AgentType{AgentRouting}

	c := s.Clone()
	c.History[0].Content = "changed"
	c.Session["name"] = String("Grace")
	c.AgentData(AgentBilling)["turns"] = Number(2)
	c.PreviousAgents[0] = AgentSales

	if s.History[0].Content != "hi" {
		t.Error("history shared with clone")
	}
	if name, _ := s.Session["name"].Str(); name != "Ada" {
		t.Error("session shared with clone")
	}
	if n, _ := s.AgentState[AgentBilling]["turns"].Num(); n != 1 {
		t.Error("agent state shared with clone")
	}
	if s.PreviousAgents[0] != AgentRouting {
		t.Error("previous agents shared with clone")
	}
}

func TestMessageCountAndAgentsInvolved(t *testing.T) {
	s := NewConversationState("c1", "s1", time.Now())
	s.AppendTurn(Turn{Role: ConversationRoleUser, Content: "hello"})
	s.AppendTurn(Turn{Role: ConversationRoleAssistant, Agent: AgentCustomerService, Content: "hi"})
	s.AppendTurn(Turn{Role: ConversationRoleSystem, Content: "handoff"})
	s.AppendTurn(Turn{Role: ConversationRoleAssistant, Agent: AgentBilling, Content: "bill"})
	s.AppendTurn(Turn{Role: ConversationRoleAssistant, Agent: AgentCustomerService, Content: "again"})

	if got := s.MessageCount(); got != 4 {
		t.Errorf("MessageCount = %d, want 4", got)
	}
	if got := s.Step(); got != 5 {
		t.Errorf("Step = %d, want 5", got)
	}
	agents := s.AgentsInvolved()
	if len(agents) != 2 || agents[0] != AgentCustomerService || agents[1] != AgentBilling {
		t.Errorf("AgentsInvolved = %v", agents)
	}
}

func TestValueJSON(t *testing.T) {
	v := Map(map[string]Value{
		"tier":   String("gold"),
		"lines":  Number(2),
		"active": Bool(true),
	})
	data, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}

	var got Value
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if got.Text() != "{active=true, lines=2, tier=gold}" {
		t.Errorf("Text = %q", got.Text())
	}
}

func TestValueOfRejectsUnsupported(t *testing.T) {
	if _, err := ValueOf(nil); err == nil {
		t.Error("expected error for nil")
	}
	if _, err := ValueOf([]string{"a"}); err == nil {
		t.Error("expected error for slice")
	}
	if _, err := ValueOf(map[any]any{1: "x"}); err == nil {
		t.Error("expected error for non-string key")
	}
	v, err := ValueOf(map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("ValueOf failed: %v", err)
	}
	m, _ := v.Map()
	if n, ok := m["n"].Num(); !ok || n != 3 {
		t.Errorf("n = %v, %v", n, ok)
	}
}

func TestWriteIntentRecordFind(t *testing.T) {
	var nilRec *WriteIntentRecord
	if _, ok := nilRec.Find("create_ticket"); ok {
		t.Error("nil record should find nothing")
	}
	rec := &WriteIntentRecord{Intents: []WriteIntent{{Action: "create_ticket", Result: "T-1"}}}
	w, ok := rec.Find("create_ticket")
	if !ok || w.Result != "T-1" {
		t.Errorf("Find = %+v, %v", w, ok)
	}
}
