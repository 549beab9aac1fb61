package domain

import (
	"fmt"
	"strconv"
	"time"
)

// TaskID identifies a task. Ids are assigned sequentially starting at 1.
type TaskID uint64

// String returns the decimal form of the id.
func (id TaskID) String() string { return strconv.FormatUint(uint64(id), 10) }

// TaskStatus is the lifecycle state of a task.
// Transitions follow: pending -> (completed|expired). Both are terminal.
type TaskStatus uint8

const (
	// TaskPending accepts submissions until the deadline or finalization.
	TaskPending TaskStatus = iota

	// TaskCompleted carries a consensus result and count.
	TaskCompleted

	// TaskExpired passed its deadline before every expected responder replied.
	TaskExpired
)

var taskStatusNames = map[TaskStatus]string{
	TaskPending:   "pending",
	TaskCompleted: "completed",
	TaskExpired:   "expired",
}

// String returns the lowercase status name.
func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// IsTerminal reports whether no further transition can leave this status.
func (s TaskStatus) IsTerminal() bool { return s == TaskCompleted || s == TaskExpired }

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	if _, ok := taskStatusNames[s]; !ok {
		return nil, fmt.Errorf("unknown task status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	for status, name := range taskStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", text)
}

// Task is a unit of work awaiting converging result fingerprints.
// ConsensusResult and ConsensusCount are nil until the task completes and are
// written exactly once.
type Task struct {
	ID                 TaskID       `json:"id"`
	ModelID            string       `json:"model_id"`
	InputFingerprint   Fingerprint  `json:"input_fingerprint"`
	SubmitterID        string       `json:"submitter_id"`
	CreatedAt          time.Time    `json:"created_at"`
	Deadline           time.Time    `json:"deadline"`
	ExpectedResponders int          `json:"expected_responders"`
	Status             TaskStatus   `json:"status"`
	ConsensusResult    *Fingerprint `json:"consensus_result,omitempty"`
	ConsensusCount     *int         `json:"consensus_count,omitempty"`
	FinalizedAt        time.Time    `json:"finalized_at,omitzero"`
}

// DeadlinePassed reports whether now is strictly after the deadline.
func (t *Task) DeadlinePassed(now time.Time) bool { return now.After(t.Deadline) }

// Clone returns a deep copy so callers never alias the store's terminal fields.
func (t *Task) Clone() Task {
	c := *t
	if t.ConsensusResult != nil {
		fp := *t.ConsensusResult
		c.ConsensusResult = &fp
	}
	if t.ConsensusCount != nil {
		n := *t.ConsensusCount
		c.ConsensusCount = &n
	}
	return c
}

// TaskView is the read model returned to hosts.
type TaskView struct {
	Task

	// SubmissionCount is the number of distinct operators that have submitted.
	SubmissionCount int `json:"submission_count"`
}

// CreateTaskInput is the request contract for posing a new task.
type CreateTaskInput struct {
	// SubmitterID identifies the authenticated caller posing the task.
	SubmitterID string `json:"submitter_id" validate:"required,max=128"`

	// ModelID names the model operators must run.
	ModelID string `json:"model_id" validate:"required,max=256"`

	// InputFingerprint is the digest of the task input.
	InputFingerprint Fingerprint `json:"input_fingerprint"`
}

// Validate checks if the input meets all contract requirements.
func (c *CreateTaskInput) Validate() error { return validate.Struct(c) }
