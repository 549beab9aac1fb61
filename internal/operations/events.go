package operations

import (
	"context"
	"encoding/json"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/pkg/activity"
	"github.com/ahrav/go-avs/pkg/events"
)

const (
	// EventTypeSettlementReady announces a terminal task's settlement to escrow.
	EventTypeSettlementReady = "SettlementReady"

	// SettlementSource identifies the host as the producer of settlement events.
	SettlementSource = "avs.settlement"
)

// newSettlementEnvelope builds the SettlementReady envelope. The key depends
// only on the task and its coordinator epoch, so workflow retries and replays
// deduplicate at the sink.
func newSettlementEnvelope(s domain.Settlement) (events.Envelope, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return events.Envelope{}, err
	}
	subject := domain.TaskSubject(s.TaskID)
	return events.NewEnvelope(
		EventTypeSettlementReady,
		SettlementSource,
		"1",
		subject,
		domain.ScopeIdempotencyKey(s.Epoch, domain.GenerateIdempotencyKey(subject, ":settlement")),
		0,
		s.FinalizedAt,
		payload,
	), nil
}

func (a *Activities) emitSettlementReady(ctx context.Context, s domain.Settlement) {
	env, err := newSettlementEnvelope(s)
	if err != nil {
		activity.SafeLogError(ctx, "Failed to create SettlementReady event",
			"task_id", s.TaskID,
			"error", err)
		return
	}
	a.EmitEventSafe(ctx, env, "SettlementReady["+s.TaskID.String()+"]")
}
