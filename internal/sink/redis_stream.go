// Package sink provides durable event sinks for the engine's event stream: a
// Redis stream for live consumers and a SQL outbox for the escrow
// collaborator's settlement pipeline.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-avs/pkg/events"
)

const (
	dedupeKeyPrefix  = "avs:events:seen:"
	defaultDedupeTTL = 24 * time.Hour
)

// appendOnce claims the idempotency key and appends to the stream in one
// atomic step. It returns the new entry id, or false when the key was already
// claimed by an earlier delivery.
var appendOnce = redis.NewScript(`
	local claimed = redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1])
	if not claimed then
		return false
	end

	local maxlen = tonumber(ARGV[2])
	if maxlen > 0 then
		return redis.call('XADD', KEYS[1], 'MAXLEN', '~', maxlen, '*', unpack(ARGV, 3))
	end
	return redis.call('XADD', KEYS[1], '*', unpack(ARGV, 3))
`)

// RedisStreamSink appends envelopes to a Redis stream, dropping redeliveries
// of the same idempotency key within the dedupe TTL.
type RedisStreamSink struct {
	client    redis.Scripter
	stream    string
	maxLen    int64
	dedupeTTL time.Duration
	logger    *slog.Logger
}

// NewRedisStreamSink creates a sink writing to stream. maxLen of zero disables
// trimming; a non-positive dedupeTTL selects one day.
func NewRedisStreamSink(client redis.Scripter, stream string, maxLen int64, dedupeTTL time.Duration) *RedisStreamSink {
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}
	return &RedisStreamSink{
		client:    client,
		stream:    stream,
		maxLen:    maxLen,
		dedupeTTL: dedupeTTL,
		logger:    slog.Default().With("component", "redis-sink"),
	}
}

// streamFields flattens an envelope into XADD field/value pairs.
func streamFields(env events.Envelope) []any {
	return []any{
		"id", env.ID,
		"type", env.Type,
		"source", env.Source,
		"version", env.Version,
		"subject", env.Subject,
		"sequence", strconv.FormatUint(env.Sequence, 10),
		"timestamp", env.Timestamp.UTC().Format(time.RFC3339Nano),
		"idempotency_key", env.IdempotencyKey,
		"payload", string(env.Payload),
	}
}

// Append implements events.EventSink.
func (s *RedisStreamSink) Append(ctx context.Context, env events.Envelope) error {
	args := append([]any{s.dedupeTTL.Milliseconds(), s.maxLen}, streamFields(env)...)
	keys := []string{s.stream, dedupeKeyPrefix + env.IdempotencyKey}

	id, err := appendOnce.Run(ctx, s.client, keys, args...).Text()
	switch {
	case err == redis.Nil:
		s.logger.DebugContext(ctx, "duplicate event dropped",
			"event_type", env.Type, "idempotency_key", env.IdempotencyKey)
		return nil
	case err != nil:
		return fmt.Errorf("append %s to stream %s: %w", env.Type, s.stream, err)
	}

	s.logger.DebugContext(ctx, "event appended", "stream", s.stream, "entry_id", id, "event_type", env.Type)
	return nil
}
