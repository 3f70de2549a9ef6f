package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/config"
	"github.com/cloud-shuttle/switchboard/internal/service"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

func newTestApp(t *testing.T) *app {
	t.Helper()

	c := config.Default()
	c.DatabaseURL = "sqlite://" + filepath.Join(t.TempDir(), "nested", "switchboard.db")
	c.LLMMock = true
	c.LogLevel = "error"
	cfg = c

	a, err := newApp(context.Background(), c)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func post(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestConversationAPI(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(newMux(a))
	defer srv.Close()

	t.Run("message routes and persists", func(t *testing.T) {
		resp := post(t, srv, "/v1/messages", messageRequest{
			ConversationID: "api-1",
			CustomerID:     "CUST001",
			Content:        "I was charged twice on my bill",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var reply service.Reply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if reply.Agent != types.AgentBilling {
			t.Errorf("agent = %s, want %s", reply.Agent, types.AgentBilling)
		}
		if reply.Step != 2 {
			t.Errorf("step = %d, want 2", reply.Step)
		}
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		resp := post(t, srv, "/v1/messages", messageRequest{ConversationID: "api-1"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("status and history", func(t *testing.T) {
		resp := get(t, srv, "/v1/conversations/api-1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var report service.StatusReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if !report.Active || report.MessageCount != 2 {
			t.Errorf("report = %+v, want active with 2 messages", report)
		}

		if err := a.checkpoints.Flush(context.Background()); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		resp = get(t, srv, "/v1/conversations/api-1/history?limit=5")
		var history []types.CheckpointMetadata
		if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(history) == 0 {
			t.Error("expected checkpoint history")
		}
	})

	t.Run("unknown conversation", func(t *testing.T) {
		if resp := get(t, srv, "/v1/conversations/missing"); resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		if resp := post(t, srv, "/v1/conversations/missing/transfer", reasonRequest{}); resp.StatusCode != http.StatusNotFound {
			t.Errorf("transfer status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("transfer then close", func(t *testing.T) {
		resp := post(t, srv, "/v1/conversations/api-1/transfer", reasonRequest{Reason: "customer asked"})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("transfer status = %d, want 204", resp.StatusCode)
		}

		resp = post(t, srv, "/v1/conversations/api-1/close", reasonRequest{Reason: "resolved"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("close status = %d, want 200", resp.StatusCode)
		}
		var summary service.Summary
		if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
			t.Fatalf("decode summary: %v", err)
		}
		if summary.EscalationLevel != 1 {
			t.Errorf("escalation level = %d, want 1", summary.EscalationLevel)
		}

		resp = post(t, srv, "/v1/conversations/api-1/transfer", reasonRequest{})
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("transfer after close status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("healthz", func(t *testing.T) {
		resp := get(t, srv, "/healthz")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("chat session", func(t *testing.T) {
		in := strings.NewReader("hello\n/status\n/tickets\n/quit\n")
		var out bytes.Buffer
		if err := runChat(context.Background(), a, in, &out, "chat-test", "CUST002"); err != nil {
			t.Fatalf("runChat failed: %v", err)
		}
		got := out.String()
		if !strings.Contains(got, "Conversation chat-test") {
			t.Errorf("missing banner in %q", got)
		}
		if !strings.Contains(got, "Hello! I'm here to help") {
			t.Errorf("missing quick response in %q", got)
		}
		if !strings.Contains(got, `"message_count": 2`) {
			t.Errorf("missing status report in %q", got)
		}
	})
}

func TestConversationEventStream(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(newMux(a))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/conversations/sse-1/events?type=conversation.created", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	// another conversation's events never reach this stream
	post(t, srv, "/v1/messages", messageRequest{ConversationID: "sse-other", Content: "hello"})
	post(t, srv, "/v1/messages", messageRequest{ConversationID: "sse-1", Content: "hello"})

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("event frame = %q, want id, event and data lines", lines)
	}
	if lines[1] != "event: conversation.created" {
		t.Errorf("event line = %q", lines[1])
	}
	if !strings.Contains(lines[2], `"sse-1"`) || strings.Contains(lines[2], "sse-other") {
		t.Errorf("data line = %q", lines[2])
	}
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		url    string
		path   string
		sqlite bool
	}{
		{"sqlite:///tmp/sb.db", "/tmp/sb.db", true},
		{"/tmp/sb.db", "/tmp/sb.db", true},
		{"postgres://localhost/sb", "", false},
		{"postgresql://localhost/sb", "", false},
	}
	for _, tt := range tests {
		path, ok := sqlitePath(tt.url)
		if path != tt.path || ok != tt.sqlite {
			t.Errorf("sqlitePath(%q) = %q, %v; want %q, %v", tt.url, path, ok, tt.path, tt.sqlite)
		}
	}
}
