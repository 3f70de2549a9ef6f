package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// Checkpoints written before the binary envelope existed are JSON documents
// of the form {"values": {...state...}, "metadata": {...}}, with history
// entries shaped {"speaker", "message", "timestamp"} and naive ISO-8601
// timestamps. A bare state document without the "values" wrapper is also
// accepted.

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// legacy state keys mapped onto typed fields; everything else is kept in Extra
var legacyKnown = map[string]struct{}{
	"conversation_id":      {},
	"session_id":           {},
	"customer":             {},
	"conversation_history": {},
	"current_intent":       {},
	"sentiment":            {},
	"current_agent_type":   {},
	"escalation_level":     {},
	"previous_agents":      {},
	"escalation_history":   {},
	"resolution_attempts":  {},
	"status":               {},
	"requires_human":       {},
	"session_start":        {},
	"last_activity":        {},
	"error_log":            {},
}

func decodeLegacy(data []byte) (*types.Checkpoint, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("not a legacy JSON document")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding legacy json: %w", err)
	}

	values := doc
	var meta map[string]any
	if v, ok := doc["values"].(map[string]any); ok {
		values = v
		meta, _ = doc["metadata"].(map[string]any)
	}

	s, err := legacyState(values)
	if err != nil {
		return nil, err
	}

	md := types.CheckpointMetadata{
		ConversationID: s.ConversationID,
		Source:         stringField(meta, "source"),
		Step:           intField(meta, "step"),
		Generation:     s.Generation,
		CreatedAt:      s.LastActivityAt,
	}
	if md.Step == 0 {
		md.Step = s.Step()
	}
	if id := stringField(meta, "checkpoint_id"); id != "" {
		md.ID = id
	}
	return &types.Checkpoint{Metadata: md, State: s}, nil
}

func legacyState(m map[string]any) (*types.ConversationState, error) {
	s := &types.ConversationState{
		ConversationID:  stringField(m, "conversation_id"),
		SessionID:       stringField(m, "session_id"),
		CurrentIntent:   stringField(m, "current_intent"),
		Sentiment:       types.Sentiment(stringField(m, "sentiment")),
		CurrentAgent:    types.AgentType(stringField(m, "current_agent_type")),
		EscalationLevel: intField(m, "escalation_level"),
		RequiresHuman:   boolField(m, "requires_human"),
		Status:          legacyStatus(stringField(m, "status")),
		Session:         map[string]types.Value{},
		AgentState:      map[types.AgentType]map[string]types.Value{},
	}
	if s.ConversationID == "" {
		return nil, errors.New("legacy state has no conversation_id")
	}
	if s.Sentiment == "" {
		s.Sentiment = types.SentimentNeutral
	}
	if customer, ok := m["customer"].(map[string]any); ok {
		s.CustomerID = stringField(customer, "customer_id")
	}

	var err error
	if s.CreatedAt, err = legacyTime(m["session_start"]); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = legacyTime(m["last_activity"]); err != nil {
		return nil, err
	}
	if s.LastActivityAt.Before(s.CreatedAt) {
		s.LastActivityAt = s.CreatedAt
	}

	if turns, ok := m["conversation_history"].([]any); ok {
		s.History = make([]types.Turn, 0, len(turns))
		for i, raw := range turns {
			tm, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("conversation_history[%d]: not an object", i)
			}
			ts, err := legacyTime(tm["timestamp"])
			if err != nil {
				return nil, fmt.Errorf("conversation_history[%d]: %w", i, err)
			}
			s.History = append(s.History, types.Turn{
				Role:      legacyRole(stringField(tm, "speaker")),
				Content:   stringField(tm, "message"),
				Agent:     types.AgentType(stringField(tm, "agent_type")),
				Timestamp: ts,
			})
		}
	}

	if prev, ok := m["previous_agents"].([]any); ok {
		for _, a := range prev {
			if name, ok := a.(string); ok {
				s.PreviousAgents = append(s.PreviousAgents, types.AgentType(name))
			}
		}
	}

	if hist, ok := m["escalation_history"].([]any); ok {
		for i, raw := range hist {
			em, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ts, err := legacyTime(em["timestamp"])
			if err != nil {
				return nil, fmt.Errorf("escalation_history[%d]: %w", i, err)
			}
			s.Escalations = append(s.Escalations, types.EscalationRecord{
				From:      types.AgentType(stringField(em, "from_agent")),
				To:        types.AgentType(stringField(em, "to_agent")),
				Reason:    stringField(em, "reason"),
				Level:     i + 1,
				Timestamp: ts,
			})
		}
	}

	if attempts, ok := m["resolution_attempts"].([]any); ok {
		s.ResolutionAttempts = len(attempts)
	}

	if errs, ok := m["error_log"].([]any); ok {
		for _, raw := range errs {
			em, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ts, _ := legacyTime(em["timestamp"])
			s.ErrorLog = append(s.ErrorLog, types.ErrorRecord{
				Agent:     types.AgentType(stringField(em, "agent")),
				Kind:      stringField(em, "type"),
				Message:   stringField(em, "error"),
				Timestamp: ts,
			})
		}
	}

	for k, v := range m {
		if _, ok := legacyKnown[k]; ok {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]any)
		}
		s.Extra[k] = normalizeJSON(v)
	}
	return s, nil
}

func legacyStatus(s string) types.ConversationStatus {
	switch s {
	case "escalated":
		return types.ConversationStatusEscalated
	case "closed":
		return types.ConversationStatusClosed
	default:
		return types.ConversationStatusActive
	}
}

func legacyRole(speaker string) types.ConversationRole {
	switch speaker {
	case "customer", "user":
		return types.ConversationRoleUser
	case "system":
		return types.ConversationRoleSystem
	default:
		return types.ConversationRoleAssistant
	}
}

func legacyTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch n := m[key].(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, _ := n.Float64()
			return int(f)
		}
		return int(i)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// normalizeJSON converts json.Number leaves to float64 so legacy extras
// encode the same way as values decoded from CBOR
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeJSON(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeJSON(e)
		}
		return t
	default:
		return v
	}
}
