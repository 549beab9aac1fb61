package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/go-avs/internal/config"
	"github.com/ahrav/go-avs/internal/coordinator"
	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/metrics"
	"github.com/ahrav/go-avs/internal/operations"
	"github.com/ahrav/go-avs/internal/sink"
	"github.com/ahrav/go-avs/internal/workflow"
	"github.com/ahrav/go-avs/pkg/events"
)

type memorySink struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (s *memorySink) Append(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
	return nil
}

func (s *memorySink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// TestTaskWorkflowEndToEnd drives the registered workflow against a real
// coordinator. Operators submit while the workflow sleeps, and the engine
// clock is advanced alongside workflow time.
func TestTaskWorkflowEndToEnd(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mockClock := clock.NewMock()
	mockClock.Add(start.Sub(mockClock.Now()))

	cfg := config.DefaultConfig()
	cfg.Consensus.TaskTTL = time.Hour
	cfg.Events.RetryDelay = 0

	memSink := &memorySink{}
	emitter := InitializeEmitter(cfg.Events, memSink, quietLogger())
	engine := InitializeCoordinator(cfg.Consensus, emitter, metrics.NewNoOp(), mockClock, quietLogger())
	limiter, err := InitializeLimiter(cfg.RateLimit, nil)
	require.NoError(t, err)
	acts := InitializeActivities(engine, emitter, limiter, metrics.NewNoOp(), mockClock)

	ctx := context.Background()
	ops := []domain.OperatorID{"0x01", "0x02", "0x03"}
	for _, id := range ops {
		_, err := engine.RegisterOperator(ctx, domain.RegisterOperatorInput{OperatorID: id, Stake: domain.Ether})
		require.NoError(t, err)
	}

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.SetStartTime(start)
	RegisterAll(env, InitializeWorkflows(cfg.Temporal), acts)

	hashA := domain.KeccakFingerprint([]byte("A"))
	hashB := domain.KeccakFingerprint([]byte("B"))
	env.RegisterDelayedCallback(func() {
		mockClock.Add(10 * time.Minute)
		for i, fp := range []domain.Fingerprint{hashA, hashB, hashA} {
			_, err := engine.SubmitResult(ctx, domain.SubmitResultInput{
				TaskID: 1, OperatorID: ops[i], ResultFingerprint: fp,
			})
			assert.NoError(t, err)
		}
	}, 10*time.Minute)
	env.RegisterDelayedCallback(func() {
		mockClock.Add(time.Hour)
	}, time.Hour)

	env.ExecuteWorkflow(workflow.TaskWorkflowName, workflow.TaskRequest{
		Task: domain.CreateTaskInput{SubmitterID: "0xsubmitter", ModelID: "test-model"},
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result workflow.TaskResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, domain.TaskID(1), result.Task.ID)
	assert.Equal(t, 3, result.Task.ExpectedResponders)
	assert.Equal(t, domain.TaskCompleted, result.Settlement.Status)
	assert.Equal(t, []domain.OperatorID{"0x01", "0x03"}, result.Settlement.Agreed)
	assert.Equal(t, []domain.OperatorID{"0x02"}, result.Settlement.Dissented)

	assert.Equal(t, []string{
		"OperatorRegistered", "OperatorRegistered", "OperatorRegistered",
		"TaskCreated",
		"ResultSubmitted", "ResultSubmitted", "ResultSubmitted",
		"TaskFinalized",
		operations.EventTypeSettlementReady,
	}, memSink.types())
}

func TestInitializeEventSink(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing configured is a no-op", func(t *testing.T) {
		s, err := InitializeEventSink(ctx, config.DefaultConfig(), nil, nil)
		require.NoError(t, err)
		assert.IsType(t, &events.NoOpEventSink{}, s)
	})

	t.Run("sqlite outbox", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Database = config.DatabaseConfig{Enabled: true, Driver: "sqlite", DSN: ":memory:"}

		db, err := InitializeDatabase(ctx, cfg.Database)
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		s, err := InitializeEventSink(ctx, cfg, nil, db)
		require.NoError(t, err)
		breaker, ok := s.(*sink.BreakerSink)
		require.True(t, ok, "single sink is not fanned out")
		assert.Equal(t, sink.StateClosed, breaker.State())

		env := events.NewEnvelope("TaskCreated", "avs.coordinator", "1", "task:1", "k", 1, time.Now(), []byte(`{}`))
		require.NoError(t, s.Append(ctx, env))

		outbox, err := sink.NewSQLOutbox(ctx, db, sink.DialectSQLite)
		require.NoError(t, err)
		listed, err := outbox.List(ctx, 0, 10)
		require.NoError(t, err)
		assert.Len(t, listed, 1)
	})

	t.Run("disabled stores return nil", func(t *testing.T) {
		rdb, err := InitializeRedis(ctx, config.RedisConfig{})
		require.NoError(t, err)
		assert.Nil(t, rdb)

		db, err := InitializeDatabase(ctx, config.DatabaseConfig{})
		require.NoError(t, err)
		assert.Nil(t, db)
	})
}

func TestInitializeLimiter_GlobalRequiresRedis(t *testing.T) {
	cfg := config.DefaultConfig().RateLimit
	cfg.Global.Enabled = true

	_, err := InitializeLimiter(cfg, nil)
	require.Error(t, err)
}

func TestInitializeCoordinator_UsesConsensusConfig(t *testing.T) {
	cfg := config.ConsensusConfig{MinimumStake: 2 * domain.Ether, TaskTTL: 2 * time.Hour}
	c := InitializeCoordinator(cfg, nil, metrics.NewNoOp(), clock.NewMock(), quietLogger())

	assert.Equal(t, 2*domain.Ether, c.MinimumStake())
	assert.Equal(t, 2*time.Hour, c.TaskTTL())
}

func TestInitializeWorkflows_UsesConfiguredGrace(t *testing.T) {
	cfg := config.DefaultConfig().Temporal
	cfg.SettlementGrace = 90 * time.Second
	assert.Equal(t, 90*time.Second, InitializeWorkflows(cfg).SettlementGrace())

	cfg.SettlementGrace = 0
	assert.Equal(t, workflow.DefaultSettlementGrace, InitializeWorkflows(cfg).SettlementGrace())
}

func TestResumeSequence(t *testing.T) {
	ctx := context.Background()

	seq, err := ResumeSequence(ctx, config.DatabaseConfig{}, nil)
	require.NoError(t, err)
	assert.Zero(t, seq, "no outbox")

	dbCfg := config.DatabaseConfig{Enabled: true, Driver: "sqlite", DSN: ":memory:"}
	db, err := InitializeDatabase(ctx, dbCfg)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	outbox, err := sink.NewSQLOutbox(ctx, db, sink.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, outbox.Append(ctx,
		events.NewEnvelope("TaskCreated", "avs.coordinator", "1", "task:1", "k", 41, time.Now(), []byte(`{}`))))

	seq, err = ResumeSequence(ctx, dbCfg, db)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), seq)

	c := InitializeCoordinator(config.DefaultConfig().Consensus, nil, metrics.NewNoOp(), clock.NewMock(), quietLogger(),
		coordinator.WithSequenceStart(seq))
	assert.NotEmpty(t, c.Epoch())
}
