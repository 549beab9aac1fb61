package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of event emitted by the engine.
// Using typed constants provides compile-time safety and enables
// exhaustive switch statements for event handling.
type EventType string

const (
	// EventTypeOperatorRegistered is emitted once when an operator passes admission.
	EventTypeOperatorRegistered EventType = "OperatorRegistered"

	// EventTypeTaskCreated is emitted once per task with its deadline and
	// responder snapshot.
	EventTypeTaskCreated EventType = "TaskCreated"

	// EventTypeResultSubmitted is emitted for every accepted submission.
	EventTypeResultSubmitted EventType = "ResultSubmitted"

	// EventTypeTaskFinalized is emitted exactly once per completed task, inside
	// the submission that met the finalization condition.
	EventTypeTaskFinalized EventType = "TaskFinalized"

	// EventTypeTaskExpired is emitted once when a pending task is found past
	// its deadline.
	EventTypeTaskExpired EventType = "TaskExpired"
)

// EventProducer identifies the engine as the source of all domain events.
const EventProducer = "avs.coordinator"

// EventEnvelope wraps all events with consistent metadata for projection processing.
// Provides idempotency, sequencing, and subject routing that enable reliable
// downstream consumers such as escrow settlement.
type EventEnvelope struct {
	// IdempotencyKey ensures events are processed exactly once during redelivery.
	// Generated deterministically from the subject and event-specific suffix;
	// the coordinator further scopes it to its epoch.
	IdempotencyKey string `json:"idempotency_key" validate:"required"`

	// EventType identifies the specific type of event for routing and processing.
	EventType EventType `json:"event_type" validate:"required"`

	// Version enables event schema evolution and backward compatibility.
	Version int `json:"version" validate:"required,min=1"`

	// OccurredAt records the engine clock time of the transition.
	OccurredAt time.Time `json:"occurred_at" validate:"required"`

	// Subject is the task or operator the event is about ("task:7", "operator:0xab").
	Subject string `json:"subject" validate:"required"`

	// Sequence is the engine-wide emission order, assigned under the state lock.
	Sequence uint64 `json:"sequence" validate:"min=1"`

	// Payload contains the event-specific data as JSON.
	Payload json.RawMessage `json:"payload" validate:"required"`

	// Producer identifies the component that emitted this event.
	Producer string `json:"producer" validate:"required"`
}

// Validate checks if the event envelope meets all requirements.
func (e *EventEnvelope) Validate() error { return validate.Struct(e) }

// OperatorRegisteredPayload contains the data for OperatorRegistered events.
type OperatorRegisteredPayload struct {
	OperatorID OperatorID `json:"operator_id" validate:"required"`
	Stake      Amount     `json:"stake"`
}

// Validate checks if the payload meets all requirements.
func (p *OperatorRegisteredPayload) Validate() error { return validate.Struct(p) }

// TaskCreatedPayload contains the data for TaskCreated events.
type TaskCreatedPayload struct {
	TaskID             TaskID      `json:"task_id" validate:"required"`
	ModelID            string      `json:"model_id" validate:"required"`
	InputFingerprint   Fingerprint `json:"input_fingerprint"`
	SubmitterID        string      `json:"submitter_id" validate:"required"`
	Deadline           time.Time   `json:"deadline" validate:"required"`
	ExpectedResponders int         `json:"expected_responders" validate:"min=0"`
}

// Validate checks if the payload meets all requirements.
func (p *TaskCreatedPayload) Validate() error { return validate.Struct(p) }

// ResultSubmittedPayload contains the data for ResultSubmitted events.
type ResultSubmittedPayload struct {
	TaskID            TaskID      `json:"task_id" validate:"required"`
	OperatorID        OperatorID  `json:"operator_id" validate:"required"`
	ResultFingerprint Fingerprint `json:"result_fingerprint"`
}

// Validate checks if the payload meets all requirements.
func (p *ResultSubmittedPayload) Validate() error { return validate.Struct(p) }

// TaskFinalizedPayload contains the data for TaskFinalized events.
// Dissenters is the only punitive signal the engine exposes; acting on it is
// the escrow collaborator's policy.
type TaskFinalizedPayload struct {
	TaskID          TaskID       `json:"task_id" validate:"required"`
	ConsensusResult Fingerprint  `json:"consensus_result"`
	ConsensusCount  int          `json:"consensus_count" validate:"min=1"`
	Agreed          []OperatorID `json:"agreed" validate:"required,min=1"`
	Dissenters      []OperatorID `json:"dissenters,omitempty"`
}

// Validate checks if the payload meets all requirements.
func (p *TaskFinalizedPayload) Validate() error { return validate.Struct(p) }

// TaskExpiredPayload contains the data for TaskExpired events.
type TaskExpiredPayload struct {
	TaskID             TaskID `json:"task_id" validate:"required"`
	ExpectedResponders int    `json:"expected_responders" validate:"min=0"`
	Submissions        int    `json:"submissions" validate:"min=0"`
}

// Validate checks if the payload meets all requirements.
func (p *TaskExpiredPayload) Validate() error { return validate.Struct(p) }

// GenerateIdempotencyKey creates a deterministic key for event deduplication.
// The same logical transition always yields the same key, so sinks can drop
// redelivered events.
//
// For ResultSubmitted events: H("task:" || id || ":result:" || operator)
// For TaskFinalized events:   H("task:" || id || ":finalized")
func GenerateIdempotencyKey(subject, eventSuffix string) string {
	hasher := sha256.New()
	hasher.Write([]byte(subject + eventSuffix))
	return hex.EncodeToString(hasher.Sum(nil))
}

// ScopeIdempotencyKey binds key to a coordinator epoch. Task ids and
// sequences restart with every process, so keys stored by durable sinks must
// not collide across runs. An empty epoch leaves key unchanged.
func ScopeIdempotencyKey(epoch, key string) string {
	if epoch == "" {
		return key
	}
	return GenerateIdempotencyKey("epoch:"+epoch, ":"+key)
}

// TaskSubject returns the envelope subject for a task.
func TaskSubject(id TaskID) string { return "task:" + id.String() }

// OperatorSubject returns the envelope subject for an operator.
func OperatorSubject(id OperatorID) string { return "operator:" + string(id) }

type validatable interface{ Validate() error }

// newEvent validates and marshals payload into a complete envelope.
func newEvent(
	eventType EventType,
	subject, suffix string,
	sequence uint64,
	occurredAt time.Time,
	payload validatable,
) (EventEnvelope, error) {
	if err := payload.Validate(); err != nil {
		return EventEnvelope{}, fmt.Errorf("invalid %s payload: %w", eventType, err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	envelope := EventEnvelope{
		IdempotencyKey: GenerateIdempotencyKey(subject, suffix),
		EventType:      eventType,
		Version:        1,
		OccurredAt:     occurredAt,
		Subject:        subject,
		Sequence:       sequence,
		Payload:        payloadJSON,
		Producer:       EventProducer,
	}

	if err := envelope.Validate(); err != nil {
		return EventEnvelope{}, fmt.Errorf("invalid event envelope: %w", err)
	}

	return envelope, nil
}

// NewOperatorRegisteredEvent creates an OperatorRegistered event envelope.
func NewOperatorRegisteredEvent(op Operator, sequence uint64) (EventEnvelope, error) {
	return newEvent(
		EventTypeOperatorRegistered,
		OperatorSubject(op.ID), ":registered",
		sequence, op.RegisteredAt,
		&OperatorRegisteredPayload{OperatorID: op.ID, Stake: op.Stake},
	)
}

// NewTaskCreatedEvent creates a TaskCreated event envelope.
func NewTaskCreatedEvent(task Task, sequence uint64) (EventEnvelope, error) {
	return newEvent(
		EventTypeTaskCreated,
		TaskSubject(task.ID), ":created",
		sequence, task.CreatedAt,
		&TaskCreatedPayload{
			TaskID:             task.ID,
			ModelID:            task.ModelID,
			InputFingerprint:   task.InputFingerprint,
			SubmitterID:        task.SubmitterID,
			Deadline:           task.Deadline,
			ExpectedResponders: task.ExpectedResponders,
		},
	)
}

// NewResultSubmittedEvent creates a ResultSubmitted event envelope.
func NewResultSubmittedEvent(sub Submission, sequence uint64) (EventEnvelope, error) {
	return newEvent(
		EventTypeResultSubmitted,
		TaskSubject(sub.TaskID), ":result:"+string(sub.OperatorID),
		sequence, sub.SubmittedAt,
		&ResultSubmittedPayload{
			TaskID:            sub.TaskID,
			OperatorID:        sub.OperatorID,
			ResultFingerprint: sub.ResultFingerprint,
		},
	)
}

// NewTaskFinalizedEvent creates a TaskFinalized event envelope.
func NewTaskFinalizedEvent(
	taskID TaskID,
	result Fingerprint,
	count int,
	agreed, dissenters []OperatorID,
	finalizedAt time.Time,
	sequence uint64,
) (EventEnvelope, error) {
	return newEvent(
		EventTypeTaskFinalized,
		TaskSubject(taskID), ":finalized",
		sequence, finalizedAt,
		&TaskFinalizedPayload{
			TaskID:          taskID,
			ConsensusResult: result,
			ConsensusCount:  count,
			Agreed:          agreed,
			Dissenters:      dissenters,
		},
	)
}

// NewTaskExpiredEvent creates a TaskExpired event envelope.
func NewTaskExpiredEvent(task Task, submissions int, expiredAt time.Time, sequence uint64) (EventEnvelope, error) {
	return newEvent(
		EventTypeTaskExpired,
		TaskSubject(task.ID), ":expired",
		sequence, expiredAt,
		&TaskExpiredPayload{
			TaskID:             task.ID,
			ExpectedResponders: task.ExpectedResponders,
			Submissions:        submissions,
		},
	)
}
