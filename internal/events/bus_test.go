package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("test", EventFilter{})
	if bus.SubscriberCount() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	ev := NewEvent(EventConversationCreated, "conv-1", "", nil)
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Type != EventConversationCreated || got.ConversationID != "conv-1" {
			t.Errorf("Unexpected event %+v", got)
		}
		if got.ID == "" {
			t.Error("Expected an event ID to be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("Event not delivered")
	}

	bus.Unsubscribe(sub)
	if bus.SubscriberCount() != 0 {
		t.Errorf("Expected no subscribers, got %d", bus.SubscriberCount())
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("Expected the channel to be closed after Unsubscribe")
	}
	// a second Unsubscribe is harmless
	bus.Unsubscribe(sub)
}

func TestBusFiltersByConversation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx := context.Background()

	sub := bus.Subscribe("conv-2 escalations", EventFilter{
		Types:          []EventType{EventConversationEscalated},
		ConversationID: "conv-2",
	})
	all := bus.Subscribe("all", EventFilter{})

	bus.Publish(ctx, NewEvent(EventConversationCreated, "conv-2", "", nil))
	bus.Publish(ctx, NewEvent(EventConversationEscalated, "conv-1", "billing", nil))
	bus.Publish(ctx, NewEvent(EventConversationEscalated, "conv-2", "sales", map[string]any{"reason": "low confidence"}))

	if len(sub.Events()) != 1 {
		t.Fatalf("Filtered subscriber holds %d events, want 1", len(sub.Events()))
	}
	got := <-sub.Events()
	if got.ConversationID != "conv-2" || got.Type != EventConversationEscalated {
		t.Errorf("Filter let through %+v", got)
	}
	line := FormatEventCompact(got)
	if !strings.Contains(line, "conversation=conv-2") || !strings.Contains(line, `reason="low confidence"`) {
		t.Errorf("Compact format = %q", line)
	}
	if len(all.Events()) != 3 {
		t.Errorf("Unfiltered subscriber holds %d events, want 3", len(all.Events()))
	}
}

func TestBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx := context.Background()

	slow := bus.Subscribe("slow", EventFilter{})
	for i := 0; i < DefaultBuffer+5; i++ {
		if err := bus.Publish(ctx, NewEvent(EventAgentHandoff, "conv-1", "", nil)); err != nil {
			t.Fatalf("Publish blocked or failed: %v", err)
		}
	}
	if slow.Dropped() != 5 {
		t.Errorf("Dropped = %d, want 5", slow.Dropped())
	}
}

func TestBusClosedAndNil(t *testing.T) {
	var nilBus *Bus
	if err := nilBus.Publish(context.Background(), NewEvent(EventConversationClosed, "c", "", nil)); err != nil {
		t.Errorf("Publish on nil bus returned %v", err)
	}

	bus := NewBus()
	sub := bus.Subscribe("before", EventFilter{})
	bus.Close()
	bus.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected subscription closed with the bus")
	}
	if err := bus.Publish(context.Background(), NewEvent(EventConversationClosed, "c", "", nil)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish on closed bus = %v, want ErrBusClosed", err)
	}
	late := bus.Subscribe("after", EventFilter{})
	if _, ok := <-late.Events(); ok {
		t.Error("Expected a closed channel when subscribing to a closed bus")
	}
}
