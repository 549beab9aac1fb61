package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/facebookgo/clock"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-avs/internal/config"
	"github.com/ahrav/go-avs/internal/coordinator"
	"github.com/ahrav/go-avs/internal/metrics"
	"github.com/ahrav/go-avs/internal/operations"
	"github.com/ahrav/go-avs/internal/ratelimit"
	"github.com/ahrav/go-avs/internal/sink"
	"github.com/ahrav/go-avs/internal/workflow"
	"github.com/ahrav/go-avs/pkg/activity"
	"github.com/ahrav/go-avs/pkg/events"
)

// InitializeRedis connects to Redis and verifies the connection. It returns
// nil when Redis is disabled.
func InitializeRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Scripter returns rdb as a redis.Scripter. A nil client yields a nil
// interface so sinks and limiters can test for absence.
func Scripter(rdb *redis.Client) redis.Scripter {
	if rdb == nil {
		return nil
	}
	return rdb
}

// InitializeDatabase opens the outbox database. It returns nil when the
// outbox is disabled.
func InitializeDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	db, err := sink.OpenDB(sink.Dialect(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s outbox: %w", cfg.Driver, err)
	}
	return db, nil
}

// InitializeEventSink fans events out to every configured durable sink, each
// behind its own circuit breaker. With none configured it returns a no-op sink.
func InitializeEventSink(
	ctx context.Context,
	cfg *config.Config,
	rdb redis.Scripter,
	db *sql.DB,
) (events.EventSink, error) {
	var sinks events.MultiSink

	guard := func(name string, s events.EventSink) events.EventSink {
		return sink.NewBreakerSink(name, s, cfg.Events.BreakerThreshold, cfg.Events.BreakerOpenTimeout)
	}

	if rdb != nil {
		stream := sink.NewRedisStreamSink(rdb, cfg.Redis.Stream, cfg.Redis.StreamMaxLen, cfg.Redis.DedupeTTL)
		sinks = append(sinks, guard("redis", stream))
	}
	if db != nil {
		outbox, err := sink.NewSQLOutbox(ctx, db, sink.Dialect(cfg.Database.Driver))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, guard("outbox", outbox))
	}

	switch len(sinks) {
	case 0:
		return events.NewNoOpEventSink(), nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// InitializeEmitter wraps sink with the configured delivery retry.
func InitializeEmitter(cfg config.EventsConfig, sink events.EventSink, logger *slog.Logger) *events.Emitter {
	return events.NewEmitter(sink,
		events.WithRetry(cfg.MaxAttempts, cfg.RetryDelay),
		events.WithLogger(logger.With("component", "event-emitter")))
}

// ResumeSequence returns the highest event sequence already in the outbox so
// a restarted coordinator numbers its events after it. Without an outbox it
// returns zero.
func ResumeSequence(ctx context.Context, cfg config.DatabaseConfig, db *sql.DB) (uint64, error) {
	if db == nil {
		return 0, nil
	}
	outbox, err := sink.NewSQLOutbox(ctx, db, sink.Dialect(cfg.Driver))
	if err != nil {
		return 0, err
	}
	return outbox.MaxSequence(ctx)
}

// InitializeCoordinator builds the engine from the consensus section. Extra
// options such as a resumed sequence are applied last.
func InitializeCoordinator(
	cfg config.ConsensusConfig,
	emitter *events.Emitter,
	rec metrics.Recorder,
	clk clock.Clock,
	logger *slog.Logger,
	extra ...coordinator.Option,
) *coordinator.Coordinator {
	opts := []coordinator.Option{
		coordinator.WithClock(clk),
		coordinator.WithEmitter(emitter),
		coordinator.WithMetrics(rec),
		coordinator.WithLogger(logger.With("component", "coordinator")),
	}
	return coordinator.New(
		coordinator.Config{MinimumStake: cfg.MinimumStake, TaskTTL: cfg.TaskTTL},
		append(opts, extra...)...,
	)
}

// InitializeLimiter builds the request limiter. rdb may be nil when global
// limiting is disabled.
func InitializeLimiter(cfg config.RateLimitConfig, rdb redis.Scripter) (*ratelimit.Limiter, error) {
	if cfg.Global.Enabled && rdb == nil {
		return nil, fmt.Errorf("global rate limiting requires redis")
	}
	limiter, err := ratelimit.New(cfg, rdb)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	return limiter, nil
}

// InitializeActivities assembles engine activities over the coordinator.
func InitializeActivities(
	engine operations.Engine,
	emitter *events.Emitter,
	limiter operations.Limiter,
	rec metrics.Recorder,
	clk clock.Clock,
) *operations.Activities {
	opts := []operations.Option{operations.WithMetrics(rec), operations.WithClock(clk)}
	if limiter != nil {
		opts = append(opts, operations.WithLimiter(limiter))
	}
	return operations.NewActivities(activity.NewBaseActivities(emitter), engine, opts...)
}

// InitializeWorkflows builds the engine workflows with the configured
// settlement grace.
func InitializeWorkflows(cfg config.TemporalConfig) *workflow.Workflows {
	return workflow.New(cfg.SettlementGrace)
}
