package consensus

import (
	"fmt"
	"time"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/ledger"
	"github.com/ahrav/go-avs/internal/registry"
	"github.com/ahrav/go-avs/internal/tasks"
)

// Finalizer completes tasks whose expected responders have all submitted.
// It shares the coordinator's state lock and is not safe for concurrent use
// on its own.
type Finalizer struct {
	tasks    *tasks.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
}

// NewFinalizer wires a finalizer over the engine's stores.
func NewFinalizer(store *tasks.Store, l *ledger.Ledger, r *registry.Registry) *Finalizer {
	return &Finalizer{tasks: store, ledger: l, registry: r}
}

// TryFinalize completes the task when it is Pending and the number of distinct
// submissions equals its responder snapshot. It returns (nil, nil) when the
// condition does not hold, which includes every call after the first
// successful one. On success each agreeing operator is credited exactly once.
func (f *Finalizer) TryFinalize(taskID domain.TaskID, now time.Time) (*Outcome, error) {
	task, err := f.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskPending {
		return nil, nil
	}

	count := f.ledger.Count(taskID)
	if task.ExpectedResponders == 0 || count != task.ExpectedResponders {
		return nil, nil
	}

	outcome, err := Decide(f.ledger.Submissions(taskID))
	if err != nil {
		return nil, domain.NewInvariantError("consensus.TryFinalize", err)
	}
	if err := checkTally(outcome.Groups, f.ledger.Tally(taskID)); err != nil {
		return nil, domain.NewInvariantError("consensus.TryFinalize", err)
	}
	if outcome.Count > task.ExpectedResponders {
		return nil, domain.NewInvariantError("consensus.TryFinalize",
			fmt.Errorf("consensus count %d exceeds expected responders %d",
				outcome.Count, task.ExpectedResponders))
	}

	for _, op := range outcome.Agreed {
		if _, err := f.registry.Get(op); err != nil {
			return nil, domain.NewInvariantError("consensus.TryFinalize", err)
		}
	}

	if _, err := f.tasks.Complete(taskID, outcome.Winner, outcome.Count, now); err != nil {
		return nil, err
	}
	for _, op := range outcome.Agreed {
		if err := f.registry.Credit(op); err != nil {
			return nil, err
		}
	}

	return &outcome, nil
}

// checkTally verifies that the groups a decision was made from match the
// ledger's running tally fingerprint for fingerprint.
func checkTally(groups, tally map[domain.Fingerprint]int) error {
	if len(groups) != len(tally) {
		return fmt.Errorf("decision saw %d fingerprint groups, ledger tallied %d", len(groups), len(tally))
	}
	for fp, n := range groups {
		if tally[fp] != n {
			return fmt.Errorf("group %s has %d submissions, ledger tallied %d", fp, n, tally[fp])
		}
	}
	return nil
}
