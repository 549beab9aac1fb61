// Package operations exposes the coordinator as Temporal activities.
// The coordinator owns validation and precondition order; this layer adds
// per-caller rate limiting, duration metrics and translation of engine errors
// into Temporal application errors.
package operations

import (
	"context"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/metrics"
	"github.com/ahrav/go-avs/internal/ratelimit"
	"github.com/ahrav/go-avs/pkg/activity"
)

// Engine is the coordinator surface the activities drive.
type Engine interface {
	RegisterOperator(ctx context.Context, in domain.RegisterOperatorInput) (domain.Operator, error)
	CreateTask(ctx context.Context, in domain.CreateTaskInput) (domain.TaskView, error)
	SubmitResult(ctx context.Context, in domain.SubmitResultInput) (domain.SubmitResultOutput, error)
	GetTask(ctx context.Context, id domain.TaskID) (domain.TaskView, error)
	GetOperator(ctx context.Context, id domain.OperatorID) (domain.Operator, error)
	ExpireTask(ctx context.Context, id domain.TaskID) (domain.TaskView, error)
	Settlement(ctx context.Context, id domain.TaskID) (domain.Settlement, error)
}

// Limiter admits or rejects a request identified by key.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

// Activities handles engine operations as Temporal activities.
type Activities struct {
	activity.BaseActivities
	engine  Engine
	limiter Limiter
	metrics metrics.Recorder
	clock   clock.Clock
}

// Option configures Activities.
type Option func(*Activities)

// WithLimiter throttles mutating activities per caller.
func WithLimiter(l Limiter) Option {
	return func(a *Activities) { a.limiter = l }
}

// WithMetrics records activity durations.
func WithMetrics(m metrics.Recorder) Option {
	return func(a *Activities) { a.metrics = m }
}

// WithClock sets the clock used for durations and settlement timestamps.
func WithClock(c clock.Clock) Option {
	return func(a *Activities) { a.clock = c }
}

// NewActivities creates engine activities. The base activities provide
// logging and event emission.
func NewActivities(base activity.BaseActivities, engine Engine, opts ...Option) *Activities {
	a := &Activities{
		BaseActivities: base,
		engine:         engine,
		metrics:        metrics.NewNoOp(),
		clock:          clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterOperator admits an operator with the stake reported by escrow.
func (a *Activities) RegisterOperator(
	ctx context.Context,
	input domain.RegisterOperatorInput,
) (*domain.Operator, error) {
	const name = "RegisterOperator"
	defer a.observe(name, a.clock.Now())

	if err := a.admit(ctx, name, string(input.OperatorID)); err != nil {
		return nil, err
	}

	op, err := a.engine.RegisterOperator(ctx, input)
	if err != nil {
		return nil, a.fail(ctx, name, err)
	}

	activity.SafeLog(ctx, "Operator registered",
		"operator_id", op.ID,
		"stake", op.Stake.String())
	return &op, nil
}

// CreateTask poses a new task and snapshots the eligible responders.
func (a *Activities) CreateTask(ctx context.Context, input domain.CreateTaskInput) (*domain.TaskView, error) {
	const name = "CreateTask"
	defer a.observe(name, a.clock.Now())

	if err := a.admit(ctx, name, input.SubmitterID); err != nil {
		return nil, err
	}

	view, err := a.engine.CreateTask(ctx, input)
	if err != nil {
		return nil, a.fail(ctx, name, err)
	}

	wfCtx := a.GetWorkflowContext(ctx)
	activity.SafeLog(ctx, "Task created",
		"workflow_id", wfCtx.WorkflowID,
		"task_id", view.ID,
		"expected_responders", view.ExpectedResponders,
		"deadline", view.Deadline)
	return &view, nil
}

// SubmitResult records an operator's fingerprint and finalizes the task when
// every expected responder has replied.
func (a *Activities) SubmitResult(
	ctx context.Context,
	input domain.SubmitResultInput,
) (*domain.SubmitResultOutput, error) {
	const name = "SubmitResult"
	defer a.observe(name, a.clock.Now())

	if err := a.admit(ctx, name, string(input.OperatorID)); err != nil {
		return nil, err
	}

	out, err := a.engine.SubmitResult(ctx, input)
	if err != nil {
		return nil, a.fail(ctx, name, err)
	}

	activity.SafeLog(ctx, "Result submitted",
		"task_id", input.TaskID,
		"operator_id", input.OperatorID,
		"sequence", out.Submission.Sequence,
		"finalized", out.Finalized)
	return &out, nil
}

// GetTask returns the task view, expiring it first if its deadline passed.
func (a *Activities) GetTask(ctx context.Context, id domain.TaskID) (*domain.TaskView, error) {
	const name = "GetTask"
	defer a.observe(name, a.clock.Now())

	view, err := a.engine.GetTask(ctx, id)
	if err != nil {
		return nil, a.fail(ctx, name, err)
	}
	return &view, nil
}

// GetOperator returns the operator record.
func (a *Activities) GetOperator(ctx context.Context, id domain.OperatorID) (*domain.Operator, error) {
	const name = "GetOperator"
	defer a.observe(name, a.clock.Now())

	op, err := a.engine.GetOperator(ctx, id)
	if err != nil {
		return nil, a.fail(ctx, name, err)
	}
	return &op, nil
}

// ExpireTask moves a Pending task past its deadline to Expired. Idempotent.
func (a *Activities) ExpireTask(ctx context.Context, id domain.TaskID) (*domain.TaskView, error) {
	const name = "ExpireTask"
	defer a.observe(name, a.clock.Now())

	view, err := a.engine.ExpireTask(ctx, id)
	if err != nil {
		return nil, a.fail(ctx, name, err)
	}
	return &view, nil
}

// SettleTask reports the settlement of a terminal task and publishes it to
// the escrow collaborator as a SettlementReady event. A task that is still
// accepting submissions yields a retryable error.
func (a *Activities) SettleTask(ctx context.Context, id domain.TaskID) (*domain.Settlement, error) {
	const name = "SettleTask"
	defer a.observe(name, a.clock.Now())

	a.RecordHeartbeat(ctx, id)

	settlement, err := a.engine.Settlement(ctx, id)
	if err != nil {
		return nil, a.fail(ctx, name, err)
	}

	a.emitSettlementReady(ctx, settlement)

	activity.SafeLog(ctx, "Task settled",
		"task_id", id,
		"status", settlement.Status.String(),
		"agreed", len(settlement.Agreed),
		"dissented", len(settlement.Dissented),
		"unresolved", len(settlement.Unresolved))
	return &settlement, nil
}

// admit applies the rate limiter to caller for the named activity.
func (a *Activities) admit(ctx context.Context, name, caller string) error {
	if a.limiter == nil {
		return nil
	}
	if err := a.limiter.Allow(ctx, ratelimit.Key(caller, name)); err != nil {
		a.metrics.IncrementCounter(metrics.RateLimited, map[string]string{"activity": name}, 1)
		return a.fail(ctx, name, err)
	}
	return nil
}

func (a *Activities) observe(name string, start time.Time) {
	a.metrics.RecordHistogram(metrics.ActivityDuration,
		map[string]string{"activity": name},
		a.clock.Now().Sub(start).Seconds())
}
