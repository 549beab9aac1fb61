package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultEmitAttempts   = 2
	defaultEmitRetryDelay = 200 * time.Millisecond
)

// Emitter delivers envelopes with a short best-effort retry. Delivery failures
// are logged and never returned, so a slow or broken sink cannot fail the
// operation that produced the event.
type Emitter struct {
	sink        EventSink
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// WithRetry overrides the attempt count and delay between attempts.
func WithRetry(attempts int, delay time.Duration) EmitterOption {
	return func(e *Emitter) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
		e.retryDelay = delay
	}
}

// NewEmitter wraps sink. A nil sink disables emission.
func NewEmitter(sink EventSink, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		sink:        sink,
		logger:      slog.Default().With("component", "event-emitter"),
		maxAttempts: defaultEmitAttempts,
		retryDelay:  defaultEmitRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit delivers envelope, retrying transient failures. It reports whether the
// sink accepted the envelope.
func (e *Emitter) Emit(ctx context.Context, envelope Envelope) bool {
	if e == nil || e.sink == nil {
		return false
	}

	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.retryDelay):
			case <-ctx.Done():
				e.logger.WarnContext(ctx, "event emission cancelled",
					"event_type", envelope.Type,
					"subject", envelope.Subject,
					"error", ctx.Err())
				return false
			}
		}

		if err := e.sink.Append(ctx, envelope); err != nil {
			lastErr = err
			continue
		}

		e.logger.DebugContext(ctx, "event emitted",
			"event_type", envelope.Type,
			"subject", envelope.Subject,
			"sequence", envelope.Sequence,
			"idempotency_key", envelope.IdempotencyKey)
		return true
	}

	e.logger.ErrorContext(ctx, "failed to emit event",
		"event_type", envelope.Type,
		"subject", envelope.Subject,
		"attempts", e.maxAttempts,
		"error", lastErr)
	return false
}

// EmitAll delivers envelopes in order and returns how many were accepted.
func (e *Emitter) EmitAll(ctx context.Context, envelopes []Envelope) int {
	delivered := 0
	for _, env := range envelopes {
		if e.Emit(ctx, env) {
			delivered++
		}
	}
	return delivered
}
