package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes engine failures so hosts can decide how to surface them.
// Caller errors (admission, task state, validation) are rejections of a single
// call and never corrupt engine state. Internal errors signal a broken invariant.
type ErrorKind string

const (
	// KindAdmission covers stake and registration failures the caller can correct.
	KindAdmission ErrorKind = "admission"

	// KindTaskState covers rejections caused by the current state of a task.
	KindTaskState ErrorKind = "task_state"

	// KindValidation covers malformed inputs.
	KindValidation ErrorKind = "validation"

	// KindInternal covers invariant violations that must be unreachable under
	// correct wiring.
	KindInternal ErrorKind = "internal"

	// KindUnknown is returned for errors that did not originate in the engine.
	KindUnknown ErrorKind = "unknown"
)

// Admission errors.
var (
	// ErrInsufficientStake indicates the offered stake is below the minimum.
	ErrInsufficientStake = errors.New("insufficient stake")

	// ErrAlreadyRegistered indicates the operator identity is already registered.
	ErrAlreadyRegistered = errors.New("operator already registered")

	// ErrNotRegistered indicates the caller is not a registered, eligible operator.
	ErrNotRegistered = errors.New("operator not registered")
)

// Task-state errors.
var (
	// ErrTaskNotFound indicates no task exists for the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyFinalized indicates the task is no longer accepting results.
	ErrTaskAlreadyFinalized = errors.New("task already finalized")

	// ErrDeadlinePassed indicates the call arrived after the task deadline.
	ErrDeadlinePassed = errors.New("task deadline passed")

	// ErrDuplicateSubmission indicates the operator already submitted for this task.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrTaskPending indicates the task has not reached a terminal state yet.
	ErrTaskPending = errors.New("task still pending")
)

// ErrInvalidRequest indicates that an engine request contains invalid data.
var ErrInvalidRequest = errors.New("invalid request")

// InvariantError reports a broken internal invariant, for example crediting an
// operator the registry does not know. It is never a caller error.
type InvariantError struct {
	// Op names the internal operation that detected the violation.
	Op string
	// Cause wraps the underlying error for error chain traversal.
	Cause error
}

// Error formats the error as "invariant violated in <op>: <cause>".
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %v", e.Op, e.Cause)
}

// Unwrap supports error chain traversal with errors.Is and errors.As.
func (e *InvariantError) Unwrap() error { return e.Cause }

// NewInvariantError wraps cause as an internal invariant violation.
func NewInvariantError(op string, cause error) error {
	return &InvariantError{Op: op, Cause: cause}
}

// KindOf classifies err by walking its chain. Invariant errors win over the
// sentinel they wrap, so a credit for an unknown operator is internal even
// though it wraps ErrNotRegistered.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var invErr *InvariantError
	if errors.As(err, &invErr) {
		return KindInternal
	}

	switch {
	case errors.Is(err, ErrInsufficientStake),
		errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrNotRegistered):
		return KindAdmission
	case errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrTaskAlreadyFinalized),
		errors.Is(err, ErrDeadlinePassed),
		errors.Is(err, ErrDuplicateSubmission),
		errors.Is(err, ErrTaskPending):
		return KindTaskState
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidFingerprint):
		return KindValidation
	default:
		return KindUnknown
	}
}

// IsCallerError reports whether err is a rejection the caller can act on.
func IsCallerError(err error) bool {
	switch KindOf(err) {
	case KindAdmission, KindTaskState, KindValidation:
		return true
	default:
		return false
	}
}
