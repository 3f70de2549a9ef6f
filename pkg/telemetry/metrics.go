package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the metric instruments for Switchboard. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cacheLookups          metric.Int64Counter
	durableWrites         metric.Int64Counter
	staleCheckpoints      metric.Int64Counter
	corruptStates         metric.Int64Counter
	turnsProcessed        metric.Int64Counter
	turnDuration          metric.Float64Histogram
	escalations           metric.Int64Counter
	activeConversations   metric.Int64UpDownCounter
	reclaimedConversation metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.cacheLookups, err = meter.Int64Counter(
		"switchboard_store_lookups_total",
		metric.WithDescription("Tiered store lookups by layer and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.durableWrites, err = meter.Int64Counter(
		"switchboard_durable_writes_total",
		metric.WithDescription("Asynchronous durable writes by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.staleCheckpoints, err = meter.Int64Counter(
		"switchboard_stale_checkpoints_total",
		metric.WithDescription("Checkpoint writes rejected for a lower step"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.corruptStates, err = meter.Int64Counter(
		"switchboard_corrupt_states_total",
		metric.WithDescription("Stored states that failed to decode"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.turnsProcessed, err = meter.Int64Counter(
		"switchboard_turns_total",
		metric.WithDescription("Processed turns by agent and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.turnDuration, err = meter.Float64Histogram(
		"switchboard_turn_duration_seconds",
		metric.WithDescription("Turn processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.escalations, err = meter.Int64Counter(
		"switchboard_escalations_total",
		metric.WithDescription("Escalations by source agent and reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.activeConversations, err = meter.Int64UpDownCounter(
		"switchboard_active_conversations",
		metric.WithDescription("Conversations in the active table"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.reclaimedConversation, err = meter.Int64Counter(
		"switchboard_idle_reclaimed_total",
		metric.WithDescription("Conversations closed by the idle sweep"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// DefaultMetrics creates instruments on the global meter provider
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter("switchboard"))
	if err != nil {
		m, _ = NewMetrics(noop.NewMeterProvider().Meter("switchboard"))
	}
	return m
}

// CacheLookup records a lookup against one layer of the tiered store
func (m *Metrics) CacheLookup(ctx context.Context, layer, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.String("result", result),
	))
}

// DurableWrite records the result of an asynchronous durable write
func (m *Metrics) DurableWrite(ctx context.Context, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.durableWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// StaleCheckpoint records a rejected out-of-order checkpoint write
func (m *Metrics) StaleCheckpoint(ctx context.Context, layer string) {
	if m == nil {
		return
	}
	m.staleCheckpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

// CorruptState records a stored state that failed to decode
func (m *Metrics) CorruptState(ctx context.Context) {
	if m == nil {
		return
	}
	m.corruptStates.Add(ctx, 1)
}

// Turn records one processed turn
func (m *Metrics) Turn(ctx context.Context, agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("outcome", outcome),
	)
	m.turnsProcessed.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, d.Seconds(), attrs)
}

// Escalation records an escalation decision
func (m *Metrics) Escalation(ctx context.Context, from, reason string) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("reason", reason),
	))
}

// ActiveDelta adjusts the active conversation gauge
func (m *Metrics) ActiveDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.activeConversations.Add(ctx, delta)
}

// Reclaimed records conversations closed by the idle sweep
func (m *Metrics) Reclaimed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reclaimedConversation.Add(ctx, int64(n))
}
