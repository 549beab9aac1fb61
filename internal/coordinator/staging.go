package coordinator

import (
	"context"
	"strconv"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/metrics"
	"github.com/ahrav/go-avs/pkg/events"
)

// batch collects the events produced by one call while the state lock is held.
type batch struct {
	envelopes []events.Envelope
}

// stage assigns the next sequence number, builds an event and scopes its
// idempotency key to the coordinator epoch. It must be called with c.mu held. Build failures are logged and the transition stands.
func (c *Coordinator) stage(b *batch, build func(seq uint64) (domain.EventEnvelope, error)) {
	env, err := build(c.sequence + 1)
	if err != nil {
		c.logger.Error("failed to build event", "error", err)
		c.metrics.IncrementCounter(metrics.EventsDropped, map[string]string{"reason": "build"}, 1)
		return
	}
	c.sequence++
	env.IdempotencyKey = domain.ScopeIdempotencyKey(c.epoch, env.IdempotencyKey)
	b.envelopes = append(b.envelopes, toEnvelope(env))
}

// publish delivers a batch after the state lock has been released.
func (c *Coordinator) publish(ctx context.Context, b *batch) {
	if len(b.envelopes) == 0 {
		return
	}
	delivered := c.emitter.EmitAll(ctx, b.envelopes)
	if dropped := len(b.envelopes) - delivered; dropped > 0 {
		c.metrics.IncrementCounter(metrics.EventsDropped, map[string]string{"reason": "sink"}, float64(dropped))
	}
}

func toEnvelope(e domain.EventEnvelope) events.Envelope {
	return events.NewEnvelope(
		string(e.EventType),
		e.Producer,
		strconv.Itoa(e.Version),
		e.Subject,
		e.IdempotencyKey,
		e.Sequence,
		e.OccurredAt,
		e.Payload,
	)
}

// reject records a failed call and returns err unchanged. Internal errors are
// logged at error level since they signal a broken invariant.
func (c *Coordinator) reject(ctx context.Context, op string, err error) error {
	kind := domain.KindOf(err)
	c.metrics.IncrementCounter(metrics.RequestsRejected, map[string]string{
		"operation": op,
		"kind":      string(kind),
	}, 1)

	if kind == domain.KindInternal {
		c.logger.ErrorContext(ctx, "invariant violation", "operation", op, "error", err)
	} else {
		c.logger.DebugContext(ctx, "request rejected", "operation", op, "kind", kind, "error", err)
	}
	return err
}
