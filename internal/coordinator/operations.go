package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/metrics"
)

// RegisterOperator admits an operator whose offered stake meets the minimum.
func (c *Coordinator) RegisterOperator(ctx context.Context, in domain.RegisterOperatorInput) (domain.Operator, error) {
	const op = "RegisterOperator"
	if err := domain.ValidateInput(&in); err != nil {
		return domain.Operator{}, c.reject(ctx, op, err)
	}

	var b batch
	c.mu.Lock()
	operator, err := c.registry.Register(in.OperatorID, in.Stake, c.clock.Now())
	if err != nil {
		c.mu.Unlock()
		return domain.Operator{}, c.reject(ctx, op, err)
	}
	c.stage(&b, func(seq uint64) (domain.EventEnvelope, error) {
		return domain.NewOperatorRegisteredEvent(operator, seq)
	})
	eligible := c.registry.EligibleCount()
	c.mu.Unlock()

	c.publish(ctx, &b)
	c.metrics.IncrementCounter(metrics.OperatorsRegistered, nil, 1)
	c.metrics.SetGauge(metrics.OperatorsEligible, nil, float64(eligible))
	c.logger.InfoContext(ctx, "operator registered",
		"operator_id", operator.ID,
		"stake", operator.Stake.String(),
		"eligible_operators", eligible)

	return operator, nil
}

// CreateTask records a Pending task whose expected responders are the
// operators eligible at this moment. Operators registered later still may
// submit, but the snapshot is never revised.
func (c *Coordinator) CreateTask(ctx context.Context, in domain.CreateTaskInput) (domain.TaskView, error) {
	const op = "CreateTask"
	if err := domain.ValidateInput(&in); err != nil {
		return domain.TaskView{}, c.reject(ctx, op, err)
	}

	var b batch
	c.mu.Lock()
	task := c.tasks.Create(in, c.registry.EligibleCount(), c.clock.Now())
	c.stage(&b, func(seq uint64) (domain.EventEnvelope, error) {
		return domain.NewTaskCreatedEvent(task, seq)
	})
	c.pending++
	pending := c.pending
	c.mu.Unlock()

	c.publish(ctx, &b)
	c.metrics.IncrementCounter(metrics.TasksCreated, nil, 1)
	c.metrics.SetGauge(metrics.TasksPending, nil, float64(pending))
	c.logger.InfoContext(ctx, "task created",
		"task_id", task.ID,
		"model_id", task.ModelID,
		"expected_responders", task.ExpectedResponders,
		"deadline", task.Deadline)

	return domain.TaskView{Task: task}, nil
}

// SubmitResult records an operator's result fingerprint. Preconditions are
// checked in a fixed order and the first failure wins: unknown task, caller
// not registered, deadline passed, task no longer pending, duplicate
// submission. A rejected call mutates nothing.
//
// The submission that brings the distinct submission count up to the task's
// expected responders finalizes the task within the same call, and only that
// submission reports Finalized.
func (c *Coordinator) SubmitResult(ctx context.Context, in domain.SubmitResultInput) (domain.SubmitResultOutput, error) {
	const op = "SubmitResult"

	var b batch
	c.mu.Lock()
	now := c.clock.Now()

	out, outcomeCount, err := c.submitLocked(&b, in, now)
	pending := c.pending
	c.mu.Unlock()

	if err != nil {
		return domain.SubmitResultOutput{}, c.reject(ctx, op, err)
	}

	c.publish(ctx, &b)
	c.metrics.IncrementCounter(metrics.SubmissionsAccepted, nil, 1)
	if out.Finalized {
		c.metrics.IncrementCounter(metrics.TasksFinalized, map[string]string{"status": domain.TaskCompleted.String()}, 1)
		c.metrics.SetGauge(metrics.TasksPending, nil, float64(pending))
		c.metrics.RecordHistogram(metrics.ConsensusAgreement, nil,
			float64(outcomeCount)/float64(out.Task.ExpectedResponders))
		c.logger.InfoContext(ctx, "task finalized",
			"task_id", in.TaskID,
			"consensus_result", out.Task.ConsensusResult,
			"consensus_count", outcomeCount,
			"expected_responders", out.Task.ExpectedResponders)
	}

	return out, nil
}

func (c *Coordinator) submitLocked(
	b *batch,
	in domain.SubmitResultInput,
	now time.Time,
) (domain.SubmitResultOutput, int, error) {
	task, err := c.tasks.Get(in.TaskID)
	if err != nil {
		return domain.SubmitResultOutput{}, 0, err
	}
	if !c.registry.IsEligible(in.OperatorID) {
		return domain.SubmitResultOutput{}, 0, fmt.Errorf("%w: %s", domain.ErrNotRegistered, in.OperatorID)
	}
	if task.DeadlinePassed(now) {
		return domain.SubmitResultOutput{}, 0, fmt.Errorf("%w: task %s deadline %s",
			domain.ErrDeadlinePassed, task.ID, task.Deadline.Format(time.RFC3339))
	}
	if task.Status != domain.TaskPending {
		return domain.SubmitResultOutput{}, 0, fmt.Errorf("%w: task %s is %s",
			domain.ErrTaskAlreadyFinalized, task.ID, task.Status)
	}

	if c.ledger.Has(in.TaskID, in.OperatorID) {
		return domain.SubmitResultOutput{}, 0, fmt.Errorf("%w: operator %s on task %s",
			domain.ErrDuplicateSubmission, in.OperatorID, in.TaskID)
	}

	sub, err := c.ledger.Record(in.TaskID, in.OperatorID, in.ResultFingerprint, now)
	if err != nil {
		return domain.SubmitResultOutput{}, 0, err
	}
	if err := c.registry.RecordParticipation(in.OperatorID); err != nil {
		return domain.SubmitResultOutput{}, 0, err
	}
	c.stage(b, func(seq uint64) (domain.EventEnvelope, error) {
		return domain.NewResultSubmittedEvent(sub, seq)
	})

	outcome, err := c.finalizer.TryFinalize(in.TaskID, now)
	if err != nil {
		return domain.SubmitResultOutput{}, 0, err
	}

	out := domain.SubmitResultOutput{Submission: sub}
	count := 0
	if outcome != nil {
		out.Finalized = true
		count = outcome.Count
		c.pending--
		c.stage(b, func(seq uint64) (domain.EventEnvelope, error) {
			return domain.NewTaskFinalizedEvent(in.TaskID, outcome.Winner, outcome.Count,
				outcome.Agreed, outcome.Dissented, now, seq)
		})
	}

	view, err := c.viewLocked(in.TaskID)
	if err != nil {
		return domain.SubmitResultOutput{}, 0, domain.NewInvariantError("coordinator.SubmitResult", err)
	}
	out.Task = view

	return out, count, nil
}

// GetTask returns the task, expiring it first if its deadline has passed.
func (c *Coordinator) GetTask(ctx context.Context, id domain.TaskID) (domain.TaskView, error) {
	view, err := c.expireAndView(ctx, id)
	if err != nil {
		return domain.TaskView{}, c.reject(ctx, "GetTask", err)
	}
	return view, nil
}

// ExpireTask moves a Pending task past its deadline to Expired. It is
// idempotent and returns the current view whether or not a transition
// happened.
func (c *Coordinator) ExpireTask(ctx context.Context, id domain.TaskID) (domain.TaskView, error) {
	view, err := c.expireAndView(ctx, id)
	if err != nil {
		return domain.TaskView{}, c.reject(ctx, "ExpireTask", err)
	}
	return view, nil
}

// GetOperator returns the operator's registry record.
func (c *Coordinator) GetOperator(ctx context.Context, id domain.OperatorID) (domain.Operator, error) {
	c.mu.Lock()
	operator, err := c.registry.Get(id)
	c.mu.Unlock()
	if err != nil {
		return domain.Operator{}, c.reject(ctx, "GetOperator", err)
	}
	return operator, nil
}

// ListOperators returns every registered operator sorted by id.
func (c *Coordinator) ListOperators(_ context.Context) []domain.Operator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.List()
}

// Settlement reports who agreed, who dissented, and who responded without a
// decision for a terminal task. A Pending task past its deadline is expired
// first; a Pending task before its deadline fails with ErrTaskPending.
func (c *Coordinator) Settlement(ctx context.Context, id domain.TaskID) (domain.Settlement, error) {
	var b batch
	c.mu.Lock()
	settlement, expired, err := c.settleLocked(&b, id, c.clock.Now())
	pending := c.pending
	c.mu.Unlock()

	if err != nil {
		return domain.Settlement{}, c.reject(ctx, "Settlement", err)
	}
	c.publish(ctx, &b)
	if expired {
		c.recordExpiry(ctx, id, pending)
	}
	return settlement, nil
}

func (c *Coordinator) settleLocked(b *batch, id domain.TaskID, now time.Time) (domain.Settlement, bool, error) {
	task, expired, err := c.expireLocked(b, id, now)
	if err != nil {
		return domain.Settlement{}, false, err
	}
	if task.Status == domain.TaskPending {
		return domain.Settlement{}, false, fmt.Errorf("%w: task %s deadline %s",
			domain.ErrTaskPending, task.ID, task.Deadline.Format(time.RFC3339))
	}

	s := domain.Settlement{
		TaskID:          task.ID,
		Status:          task.Status,
		ConsensusResult: task.ConsensusResult,
		ConsensusCount:  task.ConsensusCount,
		FinalizedAt:     task.FinalizedAt,
		Epoch:           c.epoch,
	}
	for _, sub := range c.ledger.Submissions(id) {
		switch {
		case task.Status == domain.TaskExpired:
			s.Unresolved = append(s.Unresolved, sub.OperatorID)
		case sub.ResultFingerprint == *task.ConsensusResult:
			s.Agreed = append(s.Agreed, sub.OperatorID)
		default:
			s.Dissented = append(s.Dissented, sub.OperatorID)
		}
	}

	return s, expired, nil
}

func (c *Coordinator) expireAndView(ctx context.Context, id domain.TaskID) (domain.TaskView, error) {
	var b batch
	c.mu.Lock()
	_, expired, err := c.expireLocked(&b, id, c.clock.Now())
	var view domain.TaskView
	if err == nil {
		view, err = c.viewLocked(id)
	}
	pending := c.pending
	c.mu.Unlock()

	if err != nil {
		return domain.TaskView{}, err
	}
	c.publish(ctx, &b)
	if expired {
		c.recordExpiry(ctx, id, pending)
	}
	return view, nil
}

// expireLocked applies lazy expiry and stages TaskExpired when this call
// performed the transition. Must be called with c.mu held.
func (c *Coordinator) expireLocked(b *batch, id domain.TaskID, now time.Time) (domain.Task, bool, error) {
	task, changed, err := c.tasks.Expire(id, now)
	if err != nil || !changed {
		return task, false, err
	}

	c.pending--
	submissions := c.ledger.Count(id)
	c.stage(b, func(seq uint64) (domain.EventEnvelope, error) {
		return domain.NewTaskExpiredEvent(task, submissions, now, seq)
	})
	return task, true, nil
}

func (c *Coordinator) viewLocked(id domain.TaskID) (domain.TaskView, error) {
	task, err := c.tasks.Get(id)
	if err != nil {
		return domain.TaskView{}, err
	}
	return domain.TaskView{Task: task, SubmissionCount: c.ledger.Count(id)}, nil
}

func (c *Coordinator) recordExpiry(ctx context.Context, id domain.TaskID, pending int) {
	c.metrics.IncrementCounter(metrics.TasksFinalized, map[string]string{"status": domain.TaskExpired.String()}, 1)
	c.metrics.IncrementCounter(metrics.TasksExpired, nil, 1)
	c.metrics.SetGauge(metrics.TasksPending, nil, float64(pending))
	c.logger.InfoContext(ctx, "task expired", "task_id", id)
}
