// Package coordinator is the single authoritative state machine of the engine.
// It owns the operator registry, task store, submission ledger and finalizer,
// serializes every mutation behind one lock, and publishes domain events after
// the lock is released.
//
// Expiry is lazy. A Pending task whose deadline has passed is moved to Expired
// the next time it is read, explicitly expired, or settled. A rejected late
// submission never mutates state.
package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/ahrav/go-avs/internal/consensus"
	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/ledger"
	"github.com/ahrav/go-avs/internal/metrics"
	"github.com/ahrav/go-avs/internal/registry"
	"github.com/ahrav/go-avs/internal/tasks"
	"github.com/ahrav/go-avs/pkg/events"
)

// Default engine parameters.
const (
	// DefaultMinimumStake is the admission floor of one ether.
	DefaultMinimumStake = domain.Ether

	// DefaultTaskTTL is the time a task accepts submissions after creation.
	DefaultTaskTTL = 24 * time.Hour
)

// Config holds the engine parameters.
type Config struct {
	// MinimumStake is the stake an operator must offer to be admitted.
	MinimumStake domain.Amount

	// TaskTTL is added to the creation time to compute each task's deadline.
	TaskTTL time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{MinimumStake: DefaultMinimumStake, TaskTTL: DefaultTaskTTL}
}

// Coordinator serializes all engine state transitions.
type Coordinator struct {
	mu        sync.Mutex
	registry  *registry.Registry
	tasks     *tasks.Store
	ledger    *ledger.Ledger
	finalizer *consensus.Finalizer
	sequence  uint64
	epoch     string
	pending   int

	clock   clock.Clock
	sink    events.EventSink
	emitter *events.Emitter
	metrics metrics.Recorder
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for deadlines and timestamps.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithEventSink publishes events to sink using the default emitter retry.
func WithEventSink(sink events.EventSink) Option {
	return func(co *Coordinator) { co.sink = sink }
}

// WithEmitter publishes events through a preconfigured emitter.
func WithEmitter(e *events.Emitter) Option {
	return func(co *Coordinator) { co.emitter = e }
}

// WithEpoch sets the run identifier folded into every idempotency key. By
// default each coordinator draws a random one.
func WithEpoch(epoch string) Option {
	return func(co *Coordinator) { co.epoch = epoch }
}

// WithSequenceStart continues event sequencing after seq, typically the
// highest sequence a durable sink already holds.
func WithSequenceStart(seq uint64) Option {
	return func(co *Coordinator) { co.sequence = seq }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// New creates a coordinator. Without options it uses the wall clock, discards
// events and metrics, and logs through slog.Default.
func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = DefaultTaskTTL
	}

	reg := registry.New(cfg.MinimumStake)
	store := tasks.NewStore(cfg.TaskTTL)
	l := ledger.New()

	c := &Coordinator{
		registry:  reg,
		tasks:     store,
		ledger:    l,
		finalizer: consensus.NewFinalizer(store, l, reg),
		clock:     clock.New(),
		metrics:   metrics.NewNoOp(),
		logger:    slog.Default().With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.epoch == "" {
		c.epoch = uuid.NewString()
	}
	if c.emitter == nil {
		if c.sink == nil {
			c.sink = events.NewNoOpEventSink()
		}
		c.emitter = events.NewEmitter(c.sink, events.WithLogger(c.logger))
	}

	return c
}

// MinimumStake returns the configured admission floor.
func (c *Coordinator) MinimumStake() domain.Amount { return c.registry.MinimumStake() }

// TaskTTL returns the configured task lifetime.
func (c *Coordinator) TaskTTL() time.Duration { return c.tasks.TTL() }

// Epoch returns the run identifier scoping this coordinator's events.
func (c *Coordinator) Epoch() string { return c.epoch }

// Now returns the coordinator's clock time.
func (c *Coordinator) Now() time.Time { return c.clock.Now() }
