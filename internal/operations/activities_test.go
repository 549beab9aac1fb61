package operations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/metrics"
	"github.com/ahrav/go-avs/internal/ratelimit"
)

func TestActivities_FullRoundInActivityEnvironment(t *testing.T) {
	f := newFixture(t)
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(f.acts.RegisterOperator)
	env.RegisterActivity(f.acts.CreateTask)
	env.RegisterActivity(f.acts.SubmitResult)
	env.RegisterActivity(f.acts.SettleTask)
	env.RegisterActivity(f.acts.GetOperator)

	for i := 1; i <= 3; i++ {
		val, err := env.ExecuteActivity(f.acts.RegisterOperator, domain.RegisterOperatorInput{
			OperatorID: operatorID(i),
			Stake:      domain.Ether,
		})
		require.NoError(t, err)
		var op domain.Operator
		require.NoError(t, val.Get(&op))
		assert.True(t, op.Registered)
	}

	val, err := env.ExecuteActivity(f.acts.CreateTask, domain.CreateTaskInput{
		SubmitterID: "0xsubmitter",
		ModelID:     "test-model",
	})
	require.NoError(t, err)
	var task domain.TaskView
	require.NoError(t, val.Get(&task))
	assert.Equal(t, 3, task.ExpectedResponders)

	var out domain.SubmitResultOutput
	for i, fp := range []domain.Fingerprint{hashA, hashB, hashA} {
		val, err = env.ExecuteActivity(f.acts.SubmitResult, domain.SubmitResultInput{
			TaskID:            task.ID,
			OperatorID:        operatorID(i + 1),
			ResultFingerprint: fp,
		})
		require.NoError(t, err)
		require.NoError(t, val.Get(&out))
	}
	assert.True(t, out.Finalized)
	assert.Equal(t, domain.TaskCompleted, out.Task.Status)
	require.NotNil(t, out.Task.ConsensusResult)
	assert.Equal(t, hashA, *out.Task.ConsensusResult)

	val, err = env.ExecuteActivity(f.acts.SettleTask, task.ID)
	require.NoError(t, err)
	var settlement domain.Settlement
	require.NoError(t, val.Get(&settlement))
	assert.Equal(t, []domain.OperatorID{operatorID(1), operatorID(3)}, settlement.Agreed)
	assert.Equal(t, []domain.OperatorID{operatorID(2)}, settlement.Dissented)

	val, err = env.ExecuteActivity(f.acts.GetOperator, operatorID(1))
	require.NoError(t, err)
	var op domain.Operator
	require.NoError(t, val.Get(&op))
	assert.Equal(t, uint64(1), op.SuccessfulTasks)
	assert.Equal(t, uint64(1), op.TotalTasks)
}

func TestActivities_EngineErrorsAreNonRetryable(t *testing.T) {
	f := newFixture(t)
	ids := f.register(t, 1)
	task := f.createTask(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		call     func() error
		wantType domain.ErrorKind
		wantErr  error
	}{
		{
			name: "unknown task",
			call: func() error {
				_, err := f.acts.GetTask(ctx, 999)
				return err
			},
			wantType: domain.KindTaskState,
			wantErr:  domain.ErrTaskNotFound,
		},
		{
			name: "unknown operator",
			call: func() error {
				_, err := f.acts.GetOperator(ctx, "0xnobody")
				return err
			},
			wantType: domain.KindAdmission,
			wantErr:  domain.ErrNotRegistered,
		},
		{
			name: "insufficient stake",
			call: func() error {
				_, err := f.acts.RegisterOperator(ctx, domain.RegisterOperatorInput{OperatorID: "0xpoor", Stake: 1})
				return err
			},
			wantType: domain.KindAdmission,
			wantErr:  domain.ErrInsufficientStake,
		},
		{
			name: "invalid task input",
			call: func() error {
				_, err := f.acts.CreateTask(ctx, domain.CreateTaskInput{})
				return err
			},
			wantType: domain.KindValidation,
			wantErr:  domain.ErrInvalidRequest,
		},
		{
			name: "unregistered submitter",
			call: func() error {
				_, err := f.acts.SubmitResult(ctx, domain.SubmitResultInput{TaskID: task.ID, OperatorID: "0xnobody"})
				return err
			},
			wantType: domain.KindAdmission,
			wantErr:  domain.ErrNotRegistered,
		},
		{
			name: "finalized task",
			call: func() error {
				in := domain.SubmitResultInput{TaskID: task.ID, OperatorID: ids[0], ResultFingerprint: hashA}
				if _, err := f.acts.SubmitResult(ctx, in); err != nil {
					return err
				}
				_, err := f.acts.SubmitResult(ctx, in)
				return err
			},
			wantType: domain.KindTaskState,
			wantErr:  domain.ErrTaskAlreadyFinalized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)

			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, string(tt.wantType), appErr.Type())
			assert.True(t, appErr.NonRetryable())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSettleTask_PendingIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.register(t, 2)
	task := f.createTask(t)

	_, err := f.acts.SettleTask(context.Background(), task.ID)
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrTypeTaskPending, appErr.Type())
	assert.False(t, appErr.NonRetryable())
	assert.Empty(t, f.sink.byType(EventTypeSettlementReady))
}

func TestSettleTask_ExpiredTaskEmitsOnce(t *testing.T) {
	f := newFixture(t)
	ids := f.register(t, 2)
	task := f.createTask(t)
	ctx := context.Background()

	_, err := f.acts.SubmitResult(ctx, domain.SubmitResultInput{TaskID: task.ID, OperatorID: ids[0], ResultFingerprint: hashA})
	require.NoError(t, err)

	f.clock.Add(2 * time.Hour)

	first, err := f.acts.SettleTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExpired, first.Status)
	assert.Equal(t, []domain.OperatorID{ids[0]}, first.Unresolved)
	assert.Nil(t, first.ConsensusResult)

	// A workflow retry settles again; the sink sees one event.
	_, err = f.acts.SettleTask(ctx, task.ID)
	require.NoError(t, err)

	ready := f.sink.byType(EventTypeSettlementReady)
	require.Len(t, ready, 1)
	assert.Equal(t, SettlementSource, ready[0].Source)
	assert.Equal(t, domain.TaskSubject(task.ID), ready[0].Subject)
	assert.Equal(t, uint64(0), ready[0].Sequence)
	assert.True(t, first.FinalizedAt.Equal(ready[0].Timestamp))

	var payload domain.Settlement
	require.NoError(t, json.Unmarshal(ready[0].Payload, &payload))
	assert.Equal(t, task.ID, payload.TaskID)
	assert.Equal(t, domain.TaskExpired, payload.Status)
	assert.Equal(t, f.engine.Epoch(), payload.Epoch)

	assert.Len(t, f.sink.byType(string(domain.EventTypeTaskExpired)), 1)
}

func TestExpireTask_Activity(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	task := f.createTask(t)
	ctx := context.Background()

	view, err := f.acts.ExpireTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, view.Status, "not yet past deadline")

	f.clock.Add(time.Hour + time.Second)
	view, err = f.acts.ExpireTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExpired, view.Status)

	view, err = f.acts.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExpired, view.Status)
}

func TestRateLimitedActivitiesAreRetryable(t *testing.T) {
	limiter := &stubLimiter{deny: map[string]error{
		ratelimit.Key(string(operatorID(1)), "SubmitResult"): &ratelimit.RateLimitError{
			Scope: "local", Limit: 1, RetryAfter: 1,
		},
	}}
	f := newFixture(t, WithLimiter(limiter))
	ids := f.register(t, 2)
	task := f.createTask(t)

	_, err := f.acts.SubmitResult(context.Background(), domain.SubmitResultInput{
		TaskID: task.ID, OperatorID: ids[0], ResultFingerprint: hashA,
	})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrTypeRateLimited, appErr.Type())
	assert.False(t, appErr.NonRetryable())
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimited))
	assert.Equal(t, float64(1), f.metrics.counters[metrics.RateLimited+"/SubmitResult"])

	// The throttled call never reached the engine.
	view, err := f.acts.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.SubmissionCount)

	// Other operators are unaffected.
	_, err = f.acts.SubmitResult(context.Background(), domain.SubmitResultInput{
		TaskID: task.ID, OperatorID: ids[1], ResultFingerprint: hashA,
	})
	require.NoError(t, err)
	assert.Contains(t, limiter.calls, ratelimit.Key(string(ids[1]), "SubmitResult"))
	assert.Contains(t, limiter.calls, ratelimit.Key("0xsubmitter", "CreateTask"))
}

func TestActivities_RecordDuration(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	f.createTask(t)
	_, _ = f.acts.GetTask(context.Background(), 42)

	assert.Equal(t, 1, f.metrics.histograms[metrics.ActivityDuration+"/RegisterOperator"])
	assert.Equal(t, 1, f.metrics.histograms[metrics.ActivityDuration+"/CreateTask"])
	assert.Equal(t, 1, f.metrics.histograms[metrics.ActivityDuration+"/GetTask"], "failures are timed too")
}

func TestToApplicationError_InternalIsNonRetryable(t *testing.T) {
	err := toApplicationError("SubmitResult",
		domain.NewInvariantError("registry.Credit", domain.ErrNotRegistered))

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, string(domain.KindInternal), appErr.Type())
	assert.True(t, appErr.NonRetryable())
}
