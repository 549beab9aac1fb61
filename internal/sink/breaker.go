package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ahrav/go-avs/pkg/events"
)

// ErrCircuitOpen is returned while a sink's breaker rejects appends.
var ErrCircuitOpen = errors.New("event sink circuit open")

// CircuitState represents the current state of a circuit breaker.
type CircuitState int32

const (
	// StateClosed allows appends through.
	StateClosed CircuitState = iota
	// StateOpen rejects appends until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a single probe through to test the sink.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSink stops calling a failing sink for a cool-down period. While open
// every append fails fast with ErrCircuitOpen.
type BreakerSink struct {
	next        events.EventSink
	name        string
	threshold   int32
	openTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64
	probing  atomic.Bool

	rejected atomic.Int64
}

// BreakerOption configures a BreakerSink.
type BreakerOption func(*BreakerSink)

// WithBreakerClock sets the clock used to time the open state.
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(b *BreakerSink) { b.clock = c }
}

// NewBreakerSink wraps next. threshold consecutive failures open the circuit
// for openTimeout.
func NewBreakerSink(name string, next events.EventSink, threshold int, openTimeout time.Duration, opts ...BreakerOption) *BreakerSink {
	if threshold < 1 {
		threshold = 1
	}
	b := &BreakerSink{
		next:        next,
		name:        name,
		threshold:   int32(threshold),
		openTimeout: openTimeout,
		clock:       clock.New(),
		logger:      slog.Default().With("component", "sink-breaker", "sink", name),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.state.Store(int32(StateClosed))
	return b
}

// State returns the current circuit state.
func (b *BreakerSink) State() CircuitState { return CircuitState(b.state.Load()) }

// Rejected returns how many appends were refused while open.
func (b *BreakerSink) Rejected() int64 { return b.rejected.Load() }

// Append implements events.EventSink.
func (b *BreakerSink) Append(ctx context.Context, env events.Envelope) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	if probe {
		defer b.probing.Store(false)
	}

	if err := b.next.Append(ctx, env); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow reports whether the append may proceed and whether it is the
// half-open probe.
func (b *BreakerSink) allow() (bool, error) {
	for {
		state := CircuitState(b.state.Load())
		switch state {
		case StateClosed:
			return false, nil

		case StateOpen:
			openedAt := time.Unix(0, b.openedAt.Load())
			if b.clock.Now().Sub(openedAt) < b.openTimeout {
				b.rejected.Add(1)
				return false, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
			}
			b.transition(StateOpen, StateHalfOpen)

		case StateHalfOpen:
			if !b.probing.CompareAndSwap(false, true) {
				b.rejected.Add(1)
				return false, fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, b.name)
			}
			return true, nil

		default:
			return false, fmt.Errorf("unknown circuit state %d", state)
		}
	}
}

func (b *BreakerSink) recordSuccess() {
	switch CircuitState(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		b.transition(StateHalfOpen, StateClosed)
	}
}

func (b *BreakerSink) recordFailure() {
	switch CircuitState(b.state.Load()) {
	case StateClosed:
		if b.failures.Add(1) >= b.threshold {
			b.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateHalfOpen, StateOpen)
	}
}

// transition moves from one state to another if no concurrent caller got there first.
func (b *BreakerSink) transition(from, to CircuitState) {
	if to == StateOpen {
		b.openedAt.Store(b.clock.Now().UnixNano())
	}
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return
	}
	b.failures.Store(0)
	b.logger.Info("circuit breaker state transition",
		"from", from.String(),
		"to", to.String())
}
