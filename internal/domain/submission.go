package domain

import "time"

// Submission is one operator's result fingerprint for one task.
// At most one exists per (TaskID, OperatorID) pair.
type Submission struct {
	TaskID            TaskID      `json:"task_id"`
	OperatorID        OperatorID  `json:"operator_id"`
	ResultFingerprint Fingerprint `json:"result_fingerprint"`
	SubmittedAt       time.Time   `json:"submitted_at"`

	// Sequence is the arrival order within the task, starting at 1.
	Sequence int `json:"sequence"`
}

// SubmitResultInput is the request contract for a result submission.
// Checks are ordered by the engine rather than by struct validation so the
// first failing precondition always determines the error.
type SubmitResultInput struct {
	TaskID            TaskID      `json:"task_id"`
	OperatorID        OperatorID  `json:"operator_id"`
	ResultFingerprint Fingerprint `json:"result_fingerprint"`
}

// SubmitResultOutput reports the accepted submission and whether it finalized
// the task.
type SubmitResultOutput struct {
	Submission Submission `json:"submission"`
	Finalized  bool       `json:"finalized"`
	Task       TaskView   `json:"task"`
}

// Settlement tells the escrow collaborator who is owed what for a terminal
// task. The engine never moves funds; it only reports agreement.
type Settlement struct {
	TaskID          TaskID       `json:"task_id"`
	Status          TaskStatus   `json:"status"`
	ConsensusResult *Fingerprint `json:"consensus_result,omitempty"`
	ConsensusCount  *int         `json:"consensus_count,omitempty"`

	// FinalizedAt is when the task reached its terminal status.
	FinalizedAt time.Time `json:"finalized_at"`

	// Epoch identifies the coordinator run that owns TaskID.
	Epoch string `json:"epoch,omitempty"`

	// Agreed lists operators credited for matching the consensus result.
	Agreed []OperatorID `json:"agreed,omitempty"`

	// Dissented lists operators whose fingerprint lost the vote.
	Dissented []OperatorID `json:"dissented,omitempty"`

	// Unresolved lists operators that responded to a task that expired.
	Unresolved []OperatorID `json:"unresolved,omitempty"`
}
