package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/events"
)

type received struct {
	payload   Payload
	body      []byte
	signature string
	eventHdr  string
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	got := make(chan received, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		got <- received{
			payload:   p,
			body:      body,
			signature: r.Header.Get("X-Webhook-Signature"),
			eventHdr:  r.Header.Get("X-Webhook-Event"),
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierDeliversSubscribedEvents(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)

	n, err := New(Options{
		Endpoints: []Endpoint{{
			ID:     "desk",
			URL:    srv.URL,
			Secret: "s3cret",
			Events: []events.EventType{events.EventConversationEscalated},
		}},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ch := make(chan *events.Event, 2)
	ch <- events.NewEvent(events.EventConversationCreated, "c1", "", nil)
	ch <- events.NewEvent(events.EventConversationEscalated, "c1", "human", map[string]any{"reason": "asked"})
	close(ch)

	n.Run(context.Background(), ch, 2)

	select {
	case r := <-got:
		if r.payload.Event == nil || r.payload.Event.Type != events.EventConversationEscalated {
			t.Fatalf("payload event = %+v, want escalated", r.payload.Event)
		}
		if r.payload.Event.ConversationID != "c1" {
			t.Errorf("conversation = %s, want c1", r.payload.Event.ConversationID)
		}
		if r.eventHdr != string(events.EventConversationEscalated) {
			t.Errorf("X-Webhook-Event = %s", r.eventHdr)
		}
		sig := strings.TrimPrefix(r.signature, "sha256=")
		if !VerifySignature(r.body, sig, "s3cret") {
			t.Error("signature does not verify")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
	}

	select {
	case r := <-got:
		t.Errorf("unexpected delivery of %s", r.payload.Event.Type)
	default:
	}

	history := n.History()
	if len(history) != 1 || !history[0].Success || history[0].StatusCode != http.StatusOK {
		t.Errorf("history = %+v", history)
	}
}

func TestNotifierRecordsRejections(t *testing.T) {
	srv, got := newReceiver(t, http.StatusInternalServerError)

	n, err := New(Options{Endpoints: []Endpoint{{ID: "all", URL: srv.URL}}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ch := make(chan *events.Event, 1)
	ch <- events.NewEvent(events.EventAgentFailed, "c2", "billing", nil)
	close(ch)
	n.Run(context.Background(), ch, 1)

	<-got
	history := n.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Success || history[0].Error != "HTTP 500" {
		t.Errorf("result = %+v, want HTTP 500 failure", history[0])
	}
}

func TestNewValidatesEndpoints(t *testing.T) {
	if _, err := New(Options{Endpoints: []Endpoint{{URL: "http://x"}}}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := New(Options{Endpoints: []Endpoint{{ID: "x"}}}); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestHistoryRing(t *testing.T) {
	n, _ := New(Options{})
	n.historySize = 3
	for i := range 5 {
		n.record(DeliveryResult{StatusCode: i})
	}
	h := n.History()
	if len(h) != 3 || h[0].StatusCode != 2 || h[2].StatusCode != 4 {
		t.Errorf("history = %+v, want codes 2,3,4", h)
	}
}

func TestSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign(body, "k")
	if !VerifySignature(body, sig, "k") {
		t.Error("valid signature rejected")
	}
	if VerifySignature(body, sig, "other") {
		t.Error("signature accepted under wrong secret")
	}
}

func TestEventTypes(t *testing.T) {
	scoped := []Endpoint{
		{ID: "a", Events: []events.EventType{events.EventConversationEscalated}},
		{ID: "b", Events: []events.EventType{events.EventConversationClosed, events.EventConversationEscalated}},
	}
	got := EventTypes(scoped)
	if len(got) != 2 || got[0] != events.EventConversationEscalated || got[1] != events.EventConversationClosed {
		t.Errorf("EventTypes = %v", got)
	}
	if got := EventTypes(append(scoped, Endpoint{ID: "all"})); got != nil {
		t.Errorf("EventTypes with a catch-all endpoint = %v, want nil", got)
	}
}
