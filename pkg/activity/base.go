// Package activity provides common infrastructure for Temporal activity
// implementations: workflow context extraction, context-safe logging and
// best-effort event emission shared by every activity package.
package activity

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/ahrav/go-avs/pkg/events"
)

// WorkflowContext contains metadata extracted from the Temporal activity context.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities provides common infrastructure for all activity types.
// It works both inside Temporal activity contexts and in plain unit tests.
type BaseActivities struct {
	emitter *events.Emitter
}

// NewBaseActivities creates a BaseActivities that emits through emitter.
// A nil emitter disables emission.
func NewBaseActivities(emitter *events.Emitter) BaseActivities {
	return BaseActivities{emitter: emitter}
}

// GetWorkflowContext safely extracts workflow context from the activity context.
// Outside an activity (where activity.GetInfo panics) it returns fixed test
// identifiers so callers can still derive deterministic keys.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	var wfCtx WorkflowContext

	func() {
		defer func() {
			if r := recover(); r != nil {
				wfCtx = WorkflowContext{
					WorkflowID: "test-workflow",
					RunID:      "test-run",
					ActivityID: "test-activity",
					Attempt:    1,
				}
			}
		}()

		info := activity.GetInfo(ctx)
		wfCtx.WorkflowID = info.WorkflowExecution.ID
		wfCtx.RunID = info.WorkflowExecution.RunID
		wfCtx.ActivityID = info.ActivityID
		wfCtx.Attempt = info.Attempt
	}()

	return wfCtx
}

// EmitEventSafe delivers envelope without failing the calling activity.
// Retry and failure logging are handled by the emitter.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, envelope events.Envelope, description string) {
	if b.emitter == nil {
		return
	}
	if b.emitter.Emit(ctx, envelope) {
		SafeLog(ctx, fmt.Sprintf("Event emitted: %s", description),
			"event_type", envelope.Type,
			"idempotency_key", envelope.IdempotencyKey)
		return
	}
	SafeLogError(ctx, fmt.Sprintf("Failed to emit %s", description),
		"event_type", envelope.Type)
}

// RecordHeartbeat safely records a heartbeat in the Temporal activity context.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// SafeLog logs through the activity logger when ctx is an activity context
// and is a no-op otherwise.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() {
		if recover() != nil {
			// Not an activity context, ignore
		}
	}()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError is SafeLog at error level.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() {
		if recover() != nil {
			// Not an activity context, ignore
		}
	}()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat records activity heartbeat details, ignoring non-activity contexts.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() {
		if recover() != nil {
			// Not an activity context, ignore
		}
	}()
	activity.RecordHeartbeat(ctx, details...)
}
