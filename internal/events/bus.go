package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscription channel capacity
const DefaultBuffer = 100

// ErrBusClosed is returned when publishing after Close
var ErrBusClosed = errors.New("event bus is closed")

// Subscription receives the events that pass its filter. Its channel is
// closed by Unsubscribe or when the bus closes.
type Subscription struct {
	name    string
	filter  EventFilter
	ch      chan *Event
	dropped atomic.Int64
}

// Events returns the delivery channel
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Name returns the name given at Subscribe
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many matching events were missed because the
// subscriber fell behind
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans lifecycle events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	buffer int
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: DefaultBuffer,
	}
}

// Subscribe registers a subscriber for the events matching filter. A zero
// filter receives everything. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(name string, filter EventFilter) *Subscription {
	sub := &Subscription{name: name, filter: filter, ch: make(chan *Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish assigns the event an ID if it has none and offers it to every
// matching subscriber. Publishing on a nil Bus is a no-op.
func (b *Bus) Publish(_ context.Context, event *Event) error {
	if b == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Close closes every subscription. Later publishes fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// FormatEvent encodes an event as one line of JSON
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatEventCompact formats an event for terminal output
func FormatEventCompact(event *Event) string {
	line := fmt.Sprintf("[%d] %s conversation=%s", event.Timestamp, event.Type, event.ConversationID)
	if event.Agent != "" {
		line += " agent=" + event.Agent
	}
	if reason, ok := event.Data["reason"].(string); ok && reason != "" {
		line += fmt.Sprintf(" reason=%q", reason)
	}
	return line
}
