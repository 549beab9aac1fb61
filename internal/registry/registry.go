// Package registry implements operator admission control. It tracks stake and
// reputation counters per operator identity and answers eligibility queries
// used for task responder snapshots and submission checks.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/ahrav/go-avs/internal/domain"
)

// Registry owns Operator records. It is not safe for concurrent use on its own;
// the coordinator serializes all access behind its state lock.
type Registry struct {
	minimumStake domain.Amount
	operators    map[domain.OperatorID]*domain.Operator
	eligible     int
}

// New creates an empty registry that admits operators staking at least minimumStake.
func New(minimumStake domain.Amount) *Registry {
	return &Registry{
		minimumStake: minimumStake,
		operators:    make(map[domain.OperatorID]*domain.Operator),
	}
}

// MinimumStake returns the admission floor.
func (r *Registry) MinimumStake() domain.Amount { return r.minimumStake }

// Register admits an operator. Stake below the minimum fails with
// ErrInsufficientStake and a second registration fails with ErrAlreadyRegistered.
// Neither failure mutates the registry.
func (r *Registry) Register(id domain.OperatorID, stake domain.Amount, at time.Time) (domain.Operator, error) {
	if !stake.AtLeast(r.minimumStake) {
		return domain.Operator{}, fmt.Errorf("%w: offered %s, minimum %s",
			domain.ErrInsufficientStake, stake, r.minimumStake)
	}
	if _, exists := r.operators[id]; exists {
		return domain.Operator{}, fmt.Errorf("%w: %s", domain.ErrAlreadyRegistered, id)
	}

	op := &domain.Operator{
		ID:           id,
		Stake:        stake,
		Registered:   true,
		RegisteredAt: at,
	}
	r.operators[id] = op
	r.eligible++

	return *op, nil
}

// Get returns a copy of the operator record.
func (r *Registry) Get(id domain.OperatorID) (domain.Operator, error) {
	op, ok := r.operators[id]
	if !ok {
		return domain.Operator{}, fmt.Errorf("%w: %s", domain.ErrNotRegistered, id)
	}
	return *op, nil
}

// IsEligible reports whether id may submit results.
func (r *Registry) IsEligible(id domain.OperatorID) bool {
	op, ok := r.operators[id]
	return ok && op.IsEligible()
}

// EligibleCount returns the current eligible population, the value snapshotted
// into each new task's expected responders.
func (r *Registry) EligibleCount() int { return r.eligible }

// Credit increments SuccessfulTasks. Only finalization calls this, and only for
// operators that already submitted, so an unknown id is an invariant violation.
func (r *Registry) Credit(id domain.OperatorID) error {
	op, ok := r.operators[id]
	if !ok {
		return domain.NewInvariantError("registry.Credit", fmt.Errorf("%w: %s", domain.ErrNotRegistered, id))
	}
	op.SuccessfulTasks++
	return nil
}

// RecordParticipation increments TotalTasks for an accepted submission.
func (r *Registry) RecordParticipation(id domain.OperatorID) error {
	op, ok := r.operators[id]
	if !ok {
		return domain.NewInvariantError("registry.RecordParticipation", fmt.Errorf("%w: %s", domain.ErrNotRegistered, id))
	}
	op.TotalTasks++
	return nil
}

// List returns copies of all operators ordered by id.
func (r *Registry) List() []domain.Operator {
	out := make([]domain.Operator, 0, len(r.operators))
	for _, op := range r.operators {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
