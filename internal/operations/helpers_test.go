package operations

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-avs/internal/coordinator"
	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/pkg/activity"
	"github.com/ahrav/go-avs/pkg/events"
)

var (
	hashA = domain.KeccakFingerprint([]byte("result-A"))
	hashB = domain.KeccakFingerprint([]byte("result-B"))
)

// capturingSink records envelopes, dropping repeated idempotency keys.
type capturingSink struct {
	mu     sync.Mutex
	seen   map[string]bool
	events []events.Envelope
}

func newCapturingSink() *capturingSink { return &capturingSink{seen: make(map[string]bool)} }

func (s *capturingSink) Append(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[env.IdempotencyKey] {
		return nil
	}
	s.seen[env.IdempotencyKey] = true
	s.events = append(s.events, env)
	return nil
}

func (s *capturingSink) byType(eventType string) []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Envelope
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// stubLimiter rejects keys listed in deny.
type stubLimiter struct {
	deny  map[string]error
	calls []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) error {
	l.calls = append(l.calls, key)
	return l.deny[key]
}

// histogramRecorder keeps histogram observations per activity tag.
type histogramRecorder struct {
	mu         sync.Mutex
	histograms map[string]int
	counters   map[string]float64
}

func newHistogramRecorder() *histogramRecorder {
	return &histogramRecorder{histograms: make(map[string]int), counters: make(map[string]float64)}
}

func (r *histogramRecorder) IncrementCounter(name string, tags map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name+"/"+tags["activity"]] += value
}

func (r *histogramRecorder) RecordHistogram(name string, tags map[string]string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name+"/"+tags["activity"]]++
}

func (r *histogramRecorder) SetGauge(string, map[string]string, float64) {}

type fixture struct {
	clock   *clock.Mock
	sink    *capturingSink
	engine  *coordinator.Coordinator
	metrics *histogramRecorder
	acts    *Activities
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewMock(),
		sink:    newCapturingSink(),
		metrics: newHistogramRecorder(),
	}
	f.clock.Add(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Sub(f.clock.Now()))

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := events.NewEmitter(f.sink, events.WithRetry(1, 0), events.WithLogger(quiet))
	f.engine = coordinator.New(
		coordinator.Config{MinimumStake: domain.Ether, TaskTTL: time.Hour},
		coordinator.WithClock(f.clock),
		coordinator.WithEmitter(emitter),
		coordinator.WithLogger(quiet),
	)

	opts = append([]Option{WithClock(f.clock), WithMetrics(f.metrics)}, opts...)
	f.acts = NewActivities(activity.NewBaseActivities(emitter), f.engine, opts...)
	return f
}

func operatorID(i int) domain.OperatorID {
	return domain.OperatorID(fmt.Sprintf("0x%040d", i))
}

func (f *fixture) register(t *testing.T, n int) []domain.OperatorID {
	t.Helper()
	ids := make([]domain.OperatorID, n)
	for i := range n {
		ids[i] = operatorID(i + 1)
		_, err := f.acts.RegisterOperator(context.Background(), domain.RegisterOperatorInput{
			OperatorID: ids[i],
			Stake:      domain.Ether,
		})
		require.NoError(t, err)
	}
	return ids
}

func (f *fixture) createTask(t *testing.T) *domain.TaskView {
	t.Helper()
	view, err := f.acts.CreateTask(context.Background(), domain.CreateTaskInput{
		SubmitterID:      "0xsubmitter",
		ModelID:          "test-model",
		InputFingerprint: domain.KeccakFingerprint([]byte("prompt")),
	})
	require.NoError(t, err)
	return view
}
