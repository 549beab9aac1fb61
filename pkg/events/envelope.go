// Package events provides the generic event infrastructure for domain event emission.
// It defines the Envelope type for wrapping domain events with consistent metadata
// and the EventSink interface for event storage/transmission.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// envelopeNamespace scopes deterministic envelope IDs derived from idempotency keys.
var envelopeNamespace = uuid.MustParse("7b1f3c4e-5d2a-4e8b-9c61-2f0a8d3e6b15")

// Envelope wraps domain events with consistent metadata for reliable event processing.
// This provides a generic container that can hold any domain-specific event payload
// while maintaining standard fields for routing, idempotency, and ordering.
type Envelope struct {
	// ID uniquely identifies this event instance.
	// Derived from the idempotency key so redelivery produces the same ID.
	ID string `json:"id"`

	// Type identifies the event for routing and processing.
	// Examples: "ResultSubmitted", "TaskFinalized"
	Type string `json:"type"`

	// Source identifies the component that emitted this event.
	// Examples: "avs.coordinator", "avs.settlement"
	Source string `json:"source"`

	// Version enables schema evolution and backward compatibility.
	Version string `json:"version"`

	// Timestamp records when the transition happened on the engine clock.
	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey ensures exactly-once processing during retries.
	// Generated deterministically from the subject and transition.
	IdempotencyKey string `json:"idempotency_key"`

	// Subject names the task or operator the event concerns, e.g. "task:7".
	// Sinks partition and filter on it.
	Subject string `json:"subject"`

	// Sequence is the engine-wide emission order. Zero for host events that
	// are not produced under the engine lock.
	Sequence uint64 `json:"sequence"`

	// Payload contains the domain-specific event data as JSON.
	// Schema varies by Type and Version.
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope whose ID is derived from idempotencyKey.
func NewEnvelope(
	eventType, source, version, subject, idempotencyKey string,
	sequence uint64,
	timestamp time.Time,
	payload json.RawMessage,
) Envelope {
	return Envelope{
		ID:             uuid.NewSHA1(envelopeNamespace, []byte(idempotencyKey)).String(),
		Type:           eventType,
		Source:         source,
		Version:        version,
		Timestamp:      timestamp,
		IdempotencyKey: idempotencyKey,
		Subject:        subject,
		Sequence:       sequence,
		Payload:        payload,
	}
}

// EventSink defines the interface for emitting events to downstream consumers.
// Implementations could include database outbox patterns, message queues,
// event streaming platforms, or even simple file/log outputs.
type EventSink interface {
	// Append adds an event to the sink with best-effort delivery.
	// Implementations should handle idempotency (duplicate events are no-ops)
	// and return quickly to avoid blocking the caller.
	//
	// Returns error if the event cannot be queued, but callers should
	// not fail their primary operation due to event sink failures.
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink is a null implementation of EventSink for testing or when events are disabled.
// All Append calls succeed immediately without side effects.
type NoOpEventSink struct{}

// Append implements EventSink.Append with no-op behavior.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error {
	return nil // Always succeeds
}

// NewNoOpEventSink creates a new no-op event sink.
// Useful for testing or when event emission should be disabled.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}

// MultiSink fans every envelope out to all of its sinks. A failing sink does
// not prevent delivery to the others; their errors are joined.
type MultiSink []EventSink

// Append implements EventSink.
func (m MultiSink) Append(ctx context.Context, envelope Envelope) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Append(ctx, envelope); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
