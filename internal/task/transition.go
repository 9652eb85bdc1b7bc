package task

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrTerminal          = errors.New("task is in a terminal state")
)

// allowedTransitions defines the permitted lifecycle state changes.
// Transitions into RolledBack and the reason-gated transitions into
// Failed are handled by ValidateTransition directly.
var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateReady: {},
	},
	StateReady: {
		StateRouted: {},
	},
	StateRouted: {
		StateRunning: {},
	},
	StateRunning: {
		StateQualityCheck: {},
		StateBlocked:      {},
		StateFailed:       {},
	},
	StateQualityCheck: {
		StateReviewing: {},
		StateSucceeded: {},
		StateRunning:   {},
		StateFailed:    {},
	},
	StateReviewing: {
		StateSucceeded: {},
		StateRunning:   {},
	},
	StateBlocked: {
		StateRunning: {},
	},
}

// forcedFailureReasons may fail a task from any non-terminal state.
var forcedFailureReasons = map[Reason]struct{}{
	ReasonCancelled:        {},
	ReasonTimeout:          {},
	ReasonNoSnapshot:       {},
	ReasonDependencyFailed: {},
}

// IsValidTransition reports whether the lifecycle allows the requested change.
func IsValidTransition(from, to State, reason Reason) bool {
	if from == "" || to == "" || from.Terminal() {
		return false
	}
	if to == StateRolledBack {
		return true
	}
	if to == StateFailed {
		if _, ok := forcedFailureReasons[reason]; ok {
			return true
		}
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTransition returns an error when a lifecycle change is not allowed.
func ValidateTransition(from, to State, reason Reason) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %q", ErrTerminal, from)
	}
	if !IsValidTransition(from, to, reason) {
		return fmt.Errorf("%w from %q to %q", ErrInvalidTransition, from, to)
	}
	return nil
}
