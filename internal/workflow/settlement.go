package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-avs/internal/domain"
)

// Activity names registered by the worker.
const (
	CreateTaskActivity = "CreateTask"
	SettleTaskActivity = "SettleTask"
)

// Workflow type names clients start executions with.
const (
	SettlementWorkflowName = "SettlementWorkflow"
	TaskWorkflowName       = "TaskWorkflow"
)

// DefaultSettlementGrace is waited past the deadline before settling.
const DefaultSettlementGrace = 5 * time.Second

// SettlementRequest identifies a task to settle once its deadline passes.
type SettlementRequest struct {
	TaskID   domain.TaskID `json:"task_id"`
	Deadline time.Time     `json:"deadline"`

	// Grace is waited past Deadline before settling. Zero selects the
	// worker's configured grace.
	Grace time.Duration `json:"grace"`
}

// TaskRequest poses a task and settles it after its deadline.
type TaskRequest struct {
	Task  domain.CreateTaskInput `json:"task"`
	Grace time.Duration          `json:"grace"`
}

// TaskResult is the outcome of TaskWorkflow.
type TaskResult struct {
	Task       domain.TaskView   `json:"task"`
	Settlement domain.Settlement `json:"settlement"`
}

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		HeartbeatTimeout:    10 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
}

// Workflows holds worker-level defaults for the engine workflows.
type Workflows struct {
	grace time.Duration
}

// New returns the engine workflows. Requests without a grace wait grace past
// the deadline; a non-positive grace selects DefaultSettlementGrace.
func New(grace time.Duration) *Workflows {
	if grace <= 0 {
		grace = DefaultSettlementGrace
	}
	return &Workflows{grace: grace}
}

// SettlementGrace returns the grace applied when a request omits one.
func (w *Workflows) SettlementGrace() time.Duration { return w.grace }

func (w *Workflows) graceFor(requested time.Duration) time.Duration {
	if requested == 0 {
		return w.grace
	}
	return requested
}

func invalidRequest(msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, "Validation", nil)
}

// SettlementWorkflow waits until the task's deadline plus grace and then
// settles it. Settling a task that is still pending is retried by the
// activity retry policy.
func (w *Workflows) SettlementWorkflow(ctx workflow.Context, req SettlementRequest) (*domain.Settlement, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "settlement.v", workflow.DefaultVersion, currentVersion)

	if req.TaskID == 0 || req.Deadline.IsZero() || req.Grace < 0 {
		return nil, invalidRequest("invalid settlement request")
	}

	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	return settle(ctx, req.TaskID, req.Deadline, w.graceFor(req.Grace))
}

// TaskWorkflow creates a task through the engine and settles it after its
// deadline.
func (w *Workflows) TaskWorkflow(ctx workflow.Context, req TaskRequest) (*TaskResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "task.v", workflow.DefaultVersion, currentVersion)

	if req.Grace < 0 {
		return nil, invalidRequest("invalid task request: negative grace")
	}

	ctx = workflow.WithActivityOptions(ctx, activityOptions())

	var view domain.TaskView
	if err := workflow.ExecuteActivity(ctx, CreateTaskActivity, req.Task).Get(ctx, &view); err != nil {
		return nil, err
	}

	workflow.GetLogger(ctx).Info("Task created, awaiting deadline",
		"task_id", view.ID,
		"deadline", view.Deadline,
		"expected_responders", view.ExpectedResponders)

	settlement, err := settle(ctx, view.ID, view.Deadline, w.graceFor(req.Grace))
	if err != nil {
		return nil, err
	}
	return &TaskResult{Task: view, Settlement: *settlement}, nil
}

func settle(ctx workflow.Context, id domain.TaskID, deadline time.Time, grace time.Duration) (*domain.Settlement, error) {
	if wait := deadline.Add(grace).Sub(workflow.Now(ctx)); wait > 0 {
		if err := workflow.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	var settlement domain.Settlement
	if err := workflow.ExecuteActivity(ctx, SettleTaskActivity, id).Get(ctx, &settlement); err != nil {
		return nil, err
	}

	workflow.GetLogger(ctx).Info("Task settled",
		"task_id", id,
		"status", settlement.Status.String())
	return &settlement, nil
}
