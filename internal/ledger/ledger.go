// Package ledger records which operators submitted which result fingerprint
// for each task. It enforces one submission per (task, operator) pair and
// keeps a running tally per fingerprint.
package ledger

import (
	"fmt"
	"time"

	"github.com/ahrav/go-avs/internal/domain"
)

type taskEntries struct {
	byOperator map[domain.OperatorID]int
	ordered    []domain.Submission
	tally      map[domain.Fingerprint]int
}

// Ledger is not safe for concurrent use on its own; the coordinator serializes
// all access behind its state lock.
type Ledger struct {
	tasks map[domain.TaskID]*taskEntries
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{tasks: make(map[domain.TaskID]*taskEntries)}
}

// Has reports whether operator already submitted for task.
func (l *Ledger) Has(task domain.TaskID, operator domain.OperatorID) bool {
	entries, ok := l.tasks[task]
	if !ok {
		return false
	}
	_, ok = entries.byOperator[operator]
	return ok
}

// Record appends a submission and bumps the tally for its fingerprint.
// A second submission for the same pair fails with ErrDuplicateSubmission and
// leaves the ledger untouched.
func (l *Ledger) Record(
	task domain.TaskID,
	operator domain.OperatorID,
	fp domain.Fingerprint,
	at time.Time,
) (domain.Submission, error) {
	entries, ok := l.tasks[task]
	if !ok {
		entries = &taskEntries{
			byOperator: make(map[domain.OperatorID]int),
			tally:      make(map[domain.Fingerprint]int),
		}
		l.tasks[task] = entries
	}

	if _, dup := entries.byOperator[operator]; dup {
		return domain.Submission{}, fmt.Errorf("%w: operator %s on task %s",
			domain.ErrDuplicateSubmission, operator, task)
	}

	sub := domain.Submission{
		TaskID:            task,
		OperatorID:        operator,
		ResultFingerprint: fp,
		SubmittedAt:       at,
		Sequence:          len(entries.ordered) + 1,
	}
	entries.byOperator[operator] = len(entries.ordered)
	entries.ordered = append(entries.ordered, sub)
	entries.tally[fp]++

	return sub, nil
}

// Count returns the number of distinct operators that submitted for task.
func (l *Ledger) Count(task domain.TaskID) int {
	if entries, ok := l.tasks[task]; ok {
		return len(entries.ordered)
	}
	return 0
}

// Submissions returns a copy of the task's submissions in arrival order.
func (l *Ledger) Submissions(task domain.TaskID) []domain.Submission {
	entries, ok := l.tasks[task]
	if !ok {
		return nil
	}
	out := make([]domain.Submission, len(entries.ordered))
	copy(out, entries.ordered)
	return out
}

// Tally returns a copy of the per-fingerprint submission counts for task.
func (l *Ledger) Tally(task domain.TaskID) map[domain.Fingerprint]int {
	out := make(map[domain.Fingerprint]int)
	if entries, ok := l.tasks[task]; ok {
		for fp, n := range entries.tally {
			out[fp] = n
		}
	}
	return out
}
