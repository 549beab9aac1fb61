package domain

import "time"

// OperatorID is the stable external identity of an operator, typically an
// account address supplied by the authenticated transport.
type OperatorID string

// String returns the identity as a plain string.
func (id OperatorID) String() string { return string(id) }

// Operator is a staked party eligible to submit result fingerprints.
// Registered is true iff Stake met the minimum at registration time.
type Operator struct {
	// ID is the operator's external identity.
	ID OperatorID `json:"id" validate:"required,max=128"`

	// Stake is the amount the escrow collaborator reported at registration.
	Stake Amount `json:"stake"`

	// Registered reports whether the operator passed admission.
	Registered bool `json:"registered"`

	// SuccessfulTasks counts finalized tasks where the operator agreed with consensus.
	SuccessfulTasks uint64 `json:"successful_tasks"`

	// TotalTasks counts accepted submissions across all tasks.
	TotalTasks uint64 `json:"total_tasks"`

	// RegisteredAt records when admission succeeded.
	RegisteredAt time.Time `json:"registered_at"`
}

// IsEligible reports whether the operator may submit results.
func (o Operator) IsEligible() bool { return o.Registered }

// RegisterOperatorInput is the request contract for operator admission.
type RegisterOperatorInput struct {
	// OperatorID is the authenticated identity being registered.
	OperatorID OperatorID `json:"operator_id" validate:"required,max=128"`

	// Stake is the amount deposited with the escrow collaborator.
	Stake Amount `json:"stake"`
}

// Validate checks if the input meets all contract requirements.
func (r *RegisterOperatorInput) Validate() error { return validate.Struct(r) }
