package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/pkg/events"
)

var (
	hashA = domain.KeccakFingerprint([]byte("result-A"))
	hashB = domain.KeccakFingerprint([]byte("result-B"))
	input = domain.KeccakFingerprint([]byte("some prompt"))
)

// CapturingEventSink captures all emitted events for test assertions.
type CapturingEventSink struct {
	mu           sync.RWMutex
	events       []events.Envelope
	seenKeys     map[string]bool
	failuresLeft int
}

// NewCapturingEventSink creates a new capturing event sink for testing.
func NewCapturingEventSink() *CapturingEventSink {
	return &CapturingEventSink{seenKeys: make(map[string]bool)}
}

// Append implements events.EventSink, dropping duplicate idempotency keys.
func (c *CapturingEventSink) Append(_ context.Context, envelope events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failuresLeft > 0 {
		c.failuresLeft--
		return errors.New("simulated event sink failure")
	}
	if c.seenKeys[envelope.IdempotencyKey] {
		return nil
	}
	c.events = append(c.events, envelope)
	c.seenKeys[envelope.IdempotencyKey] = true
	return nil
}

// GetEvents returns all captured events.
func (c *CapturingEventSink) GetEvents() []events.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]events.Envelope, len(c.events))
	copy(out, c.events)
	return out
}

// GetEventsByType returns events filtered by type.
func (c *CapturingEventSink) GetEventsByType(eventType domain.EventType) []events.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var filtered []events.Envelope
	for _, e := range c.events {
		if e.Type == string(eventType) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// recordingMetrics accumulates counter values and the last gauge values.
type recordingMetrics struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func metricKey(name string, tags map[string]string) string {
	if v, ok := tags["status"]; ok {
		return name + "{status=" + v + "}"
	}
	if v, ok := tags["kind"]; ok {
		return name + "{kind=" + v + "}"
	}
	return name
}

func (m *recordingMetrics) IncrementCounter(name string, tags map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, tags)] += value
}

func (m *recordingMetrics) RecordHistogram(name string, tags map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[metricKey(name, tags)] = append(m.histograms[metricKey(name, tags)], value)
}

func (m *recordingMetrics) SetGauge(name string, tags map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, tags)] = value
}

func (m *recordingMetrics) counter(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func (m *recordingMetrics) gauge(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key]
}

// harness bundles a coordinator with its mock clock and capture points.
type harness struct {
	*Coordinator
	clock   *clock.Mock
	sink    *CapturingEventSink
	metrics *recordingMetrics
}

func newHarness(t *testing.T, ttl time.Duration) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewMock(),
		sink:    NewCapturingEventSink(),
		metrics: newRecordingMetrics(),
	}
	h.clock.Add(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Sub(h.clock.Now()))
	h.Coordinator = New(
		Config{MinimumStake: domain.Ether, TaskTTL: ttl},
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEmitter(events.NewEmitter(h.sink, events.WithRetry(1, 0))),
		WithMetrics(h.metrics),
	)
	return h
}

func operatorID(i int) domain.OperatorID {
	return domain.OperatorID(fmt.Sprintf("0x%040d", i))
}

// registerOperators admits n operators with exactly the minimum stake.
func (h *harness) registerOperators(t *testing.T, n int) []domain.OperatorID {
	t.Helper()
	ids := make([]domain.OperatorID, n)
	for i := range n {
		ids[i] = operatorID(i + 1)
		_, err := h.RegisterOperator(context.Background(), domain.RegisterOperatorInput{
			OperatorID: ids[i],
			Stake:      domain.Ether,
		})
		require.NoError(t, err)
	}
	return ids
}

func (h *harness) createTask(t *testing.T) domain.TaskView {
	t.Helper()
	view, err := h.CreateTask(context.Background(), domain.CreateTaskInput{
		SubmitterID:      "0xsubmitter",
		ModelID:          "test-model",
		InputFingerprint: input,
	})
	require.NoError(t, err)
	return view
}

func (h *harness) submit(id domain.TaskID, op domain.OperatorID, fp domain.Fingerprint) (domain.SubmitResultOutput, error) {
	return h.SubmitResult(context.Background(), domain.SubmitResultInput{
		TaskID:            id,
		OperatorID:        op,
		ResultFingerprint: fp,
	})
}

func decodePayload[T any](t *testing.T, env events.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}
