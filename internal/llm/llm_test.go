package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientGenerate(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: Message{Role: RoleAssistant, Content: "Hello there"}}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", Model: "test-model"})
	text, err := c.Generate(context.Background(), "You are billing", "my bill", Sampling{Temperature: 0.2, MaxTokens: 64})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "Hello there" {
		t.Errorf("Expected 'Hello there', got %q", text)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 || got.Messages[0].Role != RoleSystem {
		t.Errorf("Unexpected request %+v", got)
	}
}

func TestClientErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"quota", http.StatusTooManyRequests, `{}`, ErrorQuota},
		{"auth", http.StatusUnauthorized, `{}`, ErrorAuth},
		{"server", http.StatusBadGateway, `{}`, ErrorTransport},
		{"malformed body", http.StatusOK, `not json`, ErrorMalformed},
		{"empty choices", http.StatusOK, `{"choices":[]}`, ErrorMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL})
			_, err := c.Generate(context.Background(), "sys", "user", DefaultSampling)
			var ge *GenerationError
			if !errors.As(err, &ge) {
				t.Fatalf("Expected GenerationError, got %v", err)
			}
			if ge.Kind != tt.want {
				t.Errorf("Expected kind %s, got %s", tt.want, ge.Kind)
			}
		})
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, "sys", "user", DefaultSampling)
	if KindOf(err) != ErrorTimeout {
		t.Errorf("Expected timeout, got %v", err)
	}
}

func TestMock(t *testing.T) {
	m := &Mock{}
	text, err := m.Generate(context.Background(), "Billing agent\nmore", "refund please", DefaultSampling)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(text, "Billing agent") || !strings.Contains(text, "refund please") {
		t.Errorf("Unexpected mock reply %q", text)
	}

	slow := &Mock{Delay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := slow.Generate(ctx, "s", "u", DefaultSampling); KindOf(err) != ErrorTimeout {
		t.Errorf("Expected timeout from slow mock, got %v", err)
	}
	if slow.Calls() != 1 {
		t.Errorf("Expected 1 call, got %d", slow.Calls())
	}
}

func TestLimiter(t *testing.T) {
	var nilLimiter *Limiter
	if !nilLimiter.Allow() {
		t.Error("nil limiter should always allow")
	}

	l := NewLimiter(2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.lastRefill = now

	if !l.Allow() || !l.Allow() {
		t.Fatal("Expected the initial burst to be allowed")
	}
	if l.Allow() {
		t.Fatal("Expected the bucket to be empty")
	}

	now = now.Add(30 * time.Second)
	if !l.Allow() {
		t.Error("Expected a token after refill")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Error("Expected Wait to fail on a cancelled context")
	}
}
