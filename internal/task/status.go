// Package task models orchestrated units of work: their status machine,
// event log, artifacts, and durable snapshots.
package task

import "fmt"

// Status is the closed set of task states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status sets finishedAt.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusBlocked, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the exhaustive allow-list. done/failed keep an escape back
// to queued for the explicit retry path; cancelled only re-queues on
// re-submission.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusQueued, StatusDone, StatusFailed, StatusBlocked, StatusCancelled},
	StatusBlocked:   {StatusQueued, StatusFailed, StatusDone},
	StatusDone:      {StatusQueued, StatusBlocked, StatusFailed},
	StatusFailed:    {StatusQueued, StatusBlocked, StatusDone},
	StatusCancelled: {StatusQueued},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is a programmer-error guard: the orchestrator
// never attempts a transition outside the table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid_task_transition:%s->%s", e.From, e.To)
}
