package engine

import (
	"errors"
	"fmt"

	"fieldwork/internal/domain"
)

// ConflictError means the issue cannot accept a new task; the caller must
// pick another issue, not retry.
type ConflictError struct {
	IssueID string
	Status  domain.IssueStatus
}

func (e *ConflictError) Error() string {
	if e.Status == domain.IssueAssigned {
		return fmt.Sprintf("issue %s already assigned", e.IssueID)
	}
	return fmt.Sprintf("issue %s not open for assignment (status %s)", e.IssueID, e.Status)
}

// PreconditionError means the worker is outside the task geofence. Carries
// the measured distance so the caller can self-correct.
type PreconditionError struct {
	TaskID         string
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("worker not at task location: %.0fm from issue, geofence radius is %.0fm", e.DistanceMeters, e.RadiusMeters)
}

// AlreadyInitiatedError means community voting already ran for this task;
// a second fan-out is refused.
type AlreadyInitiatedError struct {
	TaskID string
}

func (e *AlreadyInitiatedError) Error() string {
	return fmt.Sprintf("community voting already initiated for task %s", e.TaskID)
}

// DuplicateVoteError means this citizen already voted on this task.
type DuplicateVoteError struct {
	TaskID    string
	CitizenID string
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf("citizen %s already voted on task %s", e.CitizenID, e.TaskID)
}

// TransitionError rejects a move not present in the transition table.
type TransitionError struct {
	From domain.TaskStatus
	To   domain.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// ErrClockSkew fires when a completion timestamp precedes the start
// timestamp; a negative duration is rejected, never stored.
var ErrClockSkew = errors.New("completion timestamp precedes task start; refusing to record negative duration")

var taskTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskAssigned:  {domain.TaskStarted},
	domain.TaskStarted:   {domain.TaskSubmitted},
	domain.TaskSubmitted: {domain.TaskVerified, domain.TaskRejected},
}

func ensureTransition(from, to domain.TaskStatus) error {
	if from.Terminal() {
		return &TransitionError{From: from, To: to}
	}
	for _, allowed := range taskTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
