// Package assignment implements the §4.3 state machine governing an
// Assignment's lifecycle transitions. It is storage-agnostic: callers
// (pkg/queue, pkg/reclaimer) load the current storage.Assignment, ask this
// package whether a transition is legal, apply the resulting mutation, and
// persist it through storage.Store's optimistic UpdateAssignment.
package assignment

import (
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
)

// transitions enumerates the §4.3 DAG: from -> set of legal to-states.
var transitions = map[storage.AssignmentStatus]map[storage.AssignmentStatus]bool{
	storage.StatusPending: {
		storage.StatusInProgress: true,
		storage.StatusSkipped:    true,
		storage.StatusExpired:    true,
	},
	storage.StatusInProgress: {
		storage.StatusCompleted: true,
		storage.StatusSkipped:   true,
		storage.StatusExpired:   true,
	},
}

// IsTerminal reports whether status has no further legal transitions.
func IsTerminal(status storage.AssignmentStatus) bool {
	switch status {
	case storage.StatusCompleted, storage.StatusSkipped, storage.StatusExpired:
		return true
	default:
		return false
	}
}

func checkTransition(from, to storage.AssignmentStatus) error {
	if transitions[from][to] {
		return nil
	}
	return anvilerr.InvalidTransitionf(string(from), string(to))
}

// Start applies pending -> in_progress: set reserved_at=now,
// deadline=now+timeout, attempts+=1 (§4.3's first row). Callers must
// verify the ownership precondition (caller = assigned labeler) before
// calling this.
func Start(a storage.Assignment, now time.Time, timeout time.Duration) (storage.Assignment, error) {
	if err := checkTransition(a.Status, storage.StatusInProgress); err != nil {
		return storage.Assignment{}, err
	}
	deadline := now.Add(timeout)
	a.Status = storage.StatusInProgress
	a.ReservedAt = &now
	a.Deadline = &deadline
	a.Attempts++
	return a, nil
}

// Complete applies in_progress -> completed: write label_id, completed_at
// (§4.3's second row). Callers must validate the payload against the
// schema and persist the Label before calling this.
func Complete(a storage.Assignment, labelID uuid.UUID, now time.Time) (storage.Assignment, error) {
	if err := checkTransition(a.Status, storage.StatusCompleted); err != nil {
		return storage.Assignment{}, err
	}
	a.Status = storage.StatusCompleted
	a.CompletedAt = &now
	a.LabelID = &labelID
	return a, nil
}

// Skip applies {pending, in_progress} -> skipped (§4.3's third/fourth
// rows). Callers must verify the ownership precondition.
func Skip(a storage.Assignment, reason string, now time.Time) (storage.Assignment, error) {
	if err := checkTransition(a.Status, storage.StatusSkipped); err != nil {
		return storage.Assignment{}, err
	}
	a.Status = storage.StatusSkipped
	a.SkippedAt = &now
	a.SkipReason = reason
	return a, nil
}

// Expire applies {pending, in_progress} -> expired (§4.3's fifth row).
// Callers must verify the precondition (deadline < now, or queue
// archived) before calling this.
func Expire(a storage.Assignment, now time.Time) (storage.Assignment, error) {
	if err := checkTransition(a.Status, storage.StatusExpired); err != nil {
		return storage.Assignment{}, err
	}
	a.Status = storage.StatusExpired
	a.ExpiredAt = &now
	return a, nil
}
