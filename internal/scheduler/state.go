package scheduler

import (
	"errors"
	"fmt"
	"slices"
)

// State is the lifecycle position of a registered job.
//
//	UNSCHEDULED ──► SCHEDULED ◄──► RUNNING
//	                   ▲  │           │
//	                   │  ▼           ▼
//	                   PAUSED ◄───────┘
//
// Every state may move to REMOVED, which is terminal.
type State string

const (
	StateUnscheduled State = "UNSCHEDULED"
	StateScheduled   State = "SCHEDULED"
	StateRunning     State = "RUNNING"
	StatePaused      State = "PAUSED"
	StateRemoved     State = "REMOVED"
)

// ErrInvalidTransition is returned when a job operation is not allowed from
// the job's current state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[State][]State{
	StateUnscheduled: {StateScheduled, StateRemoved},
	StateScheduled:   {StateRunning, StatePaused, StateRemoved},
	StateRunning:     {StateScheduled, StatePaused, StateRemoved},
	StatePaused:      {StateScheduled, StateRunning, StateRemoved},
	// REMOVED is terminal
}

// ParseState converts a raw string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	switch st {
	case StateUnscheduled, StateScheduled, StateRunning, StatePaused, StateRemoved:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// IsTransitionAllowed reports whether moving from → to is permitted.
func IsTransitionAllowed(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// transition moves *cur to next or returns ErrInvalidTransition.
func transition(cur *State, next State) error {
	if !IsTransitionAllowed(*cur, next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, *cur, next)
	}
	*cur = next
	return nil
}
