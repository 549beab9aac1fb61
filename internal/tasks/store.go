// Package tasks owns task records: sequential id allocation, deadline
// bookkeeping, the expected-responder snapshot, and the Pending -> terminal
// lifecycle. Records are never deleted.
package tasks

import (
	"fmt"
	"time"

	"github.com/ahrav/go-avs/internal/domain"
)

// Store holds every task ever created. It is not safe for concurrent use on
// its own; the coordinator serializes all access behind its state lock.
type Store struct {
	ttl    time.Duration
	nextID domain.TaskID
	tasks  map[domain.TaskID]*domain.Task
}

// NewStore creates an empty store whose tasks expire ttl after creation.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:    ttl,
		nextID: 1,
		tasks:  make(map[domain.TaskID]*domain.Task),
	}
}

// TTL returns the configured task lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Len returns the number of tasks ever created.
func (s *Store) Len() int { return len(s.tasks) }

// Create allocates the next id and records a Pending task with
// deadline = now + TTL and the given responder snapshot.
func (s *Store) Create(in domain.CreateTaskInput, expectedResponders int, now time.Time) domain.Task {
	task := &domain.Task{
		ID:                 s.nextID,
		ModelID:            in.ModelID,
		InputFingerprint:   in.InputFingerprint,
		SubmitterID:        in.SubmitterID,
		CreatedAt:          now,
		Deadline:           now.Add(s.ttl),
		ExpectedResponders: expectedResponders,
		Status:             domain.TaskPending,
	}
	s.tasks[task.ID] = task
	s.nextID++

	return task.Clone()
}

// Get returns a copy of the task.
func (s *Store) Get(id domain.TaskID) (domain.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// Expire moves a Pending task past its deadline to Expired. It is idempotent
// and reports whether this call performed the transition. It never computes a
// consensus result.
func (s *Store) Expire(id domain.TaskID, now time.Time) (domain.Task, bool, error) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if task.Status != domain.TaskPending || !task.DeadlinePassed(now) {
		return task.Clone(), false, nil
	}

	task.Status = domain.TaskExpired
	task.FinalizedAt = now
	return task.Clone(), true, nil
}

// Complete writes the terminal consensus fields. Only a Pending task can
// complete; any other status means finalization ran twice, which is an
// invariant violation.
func (s *Store) Complete(id domain.TaskID, result domain.Fingerprint, count int, now time.Time) (domain.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.NewInvariantError("tasks.Complete", fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id))
	}
	if task.Status != domain.TaskPending {
		return domain.Task{}, domain.NewInvariantError("tasks.Complete",
			fmt.Errorf("task %s already %s", id, task.Status))
	}

	task.Status = domain.TaskCompleted
	task.ConsensusResult = &result
	task.ConsensusCount = &count
	task.FinalizedAt = now

	return task.Clone(), nil
}
