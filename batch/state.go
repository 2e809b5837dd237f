package batch

import (
	"errors"
	"fmt"
)

// State is the lifecycle stage of a batch run.
type State int

const (
	StateIdle State = iota
	StateEnumerating
	StateDispatching
	StateDraining
	StateCompleted
	StateInterrupted
)

var stateNames = [...]string{"idle", "enumerating", "dispatching", "draining", "completed", "interrupted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInterrupted
}

var ErrInvalidTransition = errors.New("invalid state transition")

// isValidTransition enforces the allowed run state machine edges.
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateEnumerating
	case StateEnumerating:
		// Nothing to do goes straight to completion.
		return to == StateDispatching || to == StateCompleted || to == StateInterrupted
	case StateDispatching:
		return to == StateDraining || to == StateInterrupted
	case StateDraining:
		return to == StateCompleted || to == StateInterrupted
	default:
		return false
	}
}
