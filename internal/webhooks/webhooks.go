// Package webhooks forwards conversation lifecycle events to HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/switchboard/internal/events"
)

// Endpoint is a configured webhook receiver
type Endpoint struct {
	ID     string `yaml:"id" json:"id"`
	URL    string `yaml:"url" json:"url"`
	Secret string `yaml:"secret,omitempty" json:"-"`
	// Events limits delivery to these types; empty subscribes to all
	Events  []events.EventType `yaml:"events,omitempty" json:"events,omitempty"`
	Headers map[string]string  `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// EventTypes returns the event types any of the endpoints subscribes to, or
// nil when one of them takes every event
func EventTypes(endpoints []Endpoint) []events.EventType {
	var out []events.EventType
	for _, ep := range endpoints {
		if len(ep.Events) == 0 {
			return nil
		}
		for _, t := range ep.Events {
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

// Payload is the body posted to an endpoint
type Payload struct {
	DeliveryID string        `json:"delivery_id"`
	WebhookID  string        `json:"webhook_id"`
	Event      *events.Event `json:"event"`
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	WebhookID  string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Success    bool
	Error      string
	Duration   time.Duration
	Timestamp  time.Time
}

type delivery struct {
	endpoint Endpoint
	payload  *Payload
}

// Notifier delivers events to its endpoints from a pool of workers. Events
// are dropped, not queued without bound, when the delivery queue is full.
type Notifier struct {
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger
	queue     chan delivery
	wg        sync.WaitGroup

	historyMu   sync.Mutex
	history     []DeliveryResult
	historySize int
	historyPos  int
}

// Options configures a Notifier
type Options struct {
	Endpoints []Endpoint
	Timeout   time.Duration
	QueueSize int
	Logger    *slog.Logger
}

// New validates the endpoints and creates a notifier
func New(opts Options) (*Notifier, error) {
	for _, ep := range opts.Endpoints {
		if ep.ID == "" {
			return nil, errors.New("webhook id is required")
		}
		if ep.URL == "" {
			return nil, fmt.Errorf("webhook %s: url is required", ep.ID)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Notifier{
		endpoints:   opts.Endpoints,
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      opts.Logger,
		queue:       make(chan delivery, opts.QueueSize),
		historySize: 100,
	}, nil
}

// Run forwards events from ch until it closes or ctx ends, using workers
// concurrent deliveries. Pending deliveries are finished before it returns.
func (n *Notifier) Run(ctx context.Context, ch <-chan *events.Event, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for range workers {
		n.wg.Add(1)
		go n.worker()
	}

	defer func() {
		close(n.queue)
		n.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.Emit(ev)
		}
	}
}

// Emit queues ev for every subscribed endpoint
func (n *Notifier) Emit(ev *events.Event) {
	for _, ep := range n.endpoints {
		if len(ep.Events) > 0 && !slices.Contains(ep.Events, ev.Type) {
			continue
		}
		d := delivery{
			endpoint: ep,
			payload:  &Payload{DeliveryID: uuid.New().String(), WebhookID: ep.ID, Event: ev},
		}
		select {
		case n.queue <- d:
		default:
			n.logger.Warn("webhook queue full, dropping delivery", "webhook", ep.ID, "event", ev.Type)
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for d := range n.queue {
		n.record(n.deliver(d))
	}
}

func (n *Notifier) deliver(d delivery) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{
		WebhookID:  d.endpoint.ID,
		DeliveryID: d.payload.DeliveryID,
		Event:      d.payload.Event.Type,
		Timestamp:  start,
	}

	body, err := json.Marshal(d.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshaling payload: %v", err)
		return result
	}

	req, err := http.NewRequest(http.MethodPost, d.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("creating request: %v", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Switchboard-Webhooks/1.0")
	req.Header.Set("X-Webhook-ID", d.endpoint.ID)
	req.Header.Set("X-Webhook-Delivery-ID", d.payload.DeliveryID)
	req.Header.Set("X-Webhook-Event", string(d.payload.Event.Type))
	for k, v := range d.endpoint.Headers {
		req.Header.Set(k, v)
	}
	if d.endpoint.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(body, d.endpoint.Secret))
	}

	resp, err := n.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		n.logger.Warn("webhook delivery failed", "webhook", d.endpoint.ID, "event", result.Event, "error", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		n.logger.Warn("webhook delivery rejected", "webhook", d.endpoint.ID, "event", result.Event, "status", resp.StatusCode)
	} else {
		n.logger.Debug("webhook delivered", "webhook", d.endpoint.ID, "event", result.Event, "duration", result.Duration)
	}
	return result
}

// record keeps the result in a ring of recent deliveries
func (n *Notifier) record(r DeliveryResult) {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()

	if len(n.history) < n.historySize {
		n.history = append(n.history, r)
		return
	}
	n.history[n.historyPos] = r
	n.historyPos = (n.historyPos + 1) % n.historySize
}

// History returns recent delivery results, oldest first
func (n *Notifier) History() []DeliveryResult {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()

	out := make([]DeliveryResult, 0, len(n.history))
	out = append(out, n.history[n.historyPos:]...)
	out = append(out, n.history[:n.historyPos]...)
	return out
}

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
