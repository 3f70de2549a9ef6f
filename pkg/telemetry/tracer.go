// Package telemetry provides OpenTelemetry observability for Switchboard
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Switchboard
var tracer = otel.Tracer("switchboard")

// Span names for Switchboard operations
const (
	// Turn spans
	SpanTurnProcess = "switchboard.turn.process"
	SpanTurnRoute   = "switchboard.turn.route"

	// Agent spans
	SpanAgentInvoke = "switchboard.agent.invoke"
	SpanAgentTool   = "switchboard.agent.tool_call"

	// Storage spans
	SpanStoreGet     = "switchboard.store.get"
	SpanStorePut     = "switchboard.store.put"
	SpanStoreDurable = "switchboard.store.durable_write"

	// Checkpoint spans
	SpanCheckpointPut     = "switchboard.checkpoint.put"
	SpanCheckpointCleanup = "switchboard.checkpoint.cleanup"

	// Lifecycle spans
	SpanConversationClose = "switchboard.conversation.close"
	SpanConversationSweep = "switchboard.conversation.sweep"
)

// StartTurnSpan starts a span for processing one inbound message
func StartTurnSpan(ctx context.Context, conversationID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyConversationID, conversationID))
	return tracer.Start(ctx, SpanTurnProcess, trace.WithAttributes(attrs...))
}

// StartAgentSpan starts a span for an agent invocation
func StartAgentSpan(ctx context.Context, agentType, conversationID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyAgentType, agentType),
		attribute.String(KeyConversationID, conversationID),
	)
	return tracer.Start(ctx, SpanAgentInvoke, trace.WithAttributes(attrs...))
}

// StartStoreSpan starts a span for a storage operation on a key
func StartStoreSpan(ctx context.Context, name, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyStoreKey, key))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartSpan starts a span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with optional error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", errorType),
	}

	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error and sets span status
func RecordErrorWithStatus(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	RecordError(span, err, errorType, errorCategory)
}

// SetCacheResult records which layer served a read
func SetCacheResult(span trace.Span, layer, result string) {
	span.SetAttributes(
		attribute.String(KeyStoreLayer, layer),
		attribute.String(KeyStoreResult, result),
	)
}

// SetEscalation records an escalation decision on a span
func SetEscalation(span trace.Span, from, to, reason string) {
	span.SetAttributes(
		attribute.Bool(KeyEscalated, true),
		attribute.String(KeyEscalationFrom, from),
		attribute.String(KeyEscalationTo, to),
		attribute.String(KeyEscalationReason, reason),
	)
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
