package protocol

import "fmt"

// State is the readiness state of a supervised child process.
type State int

const (
	StateSpawning State = iota
	StateAwaitingReady
	StateInitializing
	StateReady
	StateTerminating
	StateTerminated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// transitions is the allowed state graph. Terminated is reachable from every
// state because the OS can take the process down at any moment.
var transitions = map[State][]State{
	StateSpawning:      {StateAwaitingReady, StateTerminating, StateTerminated},
	StateAwaitingReady: {StateInitializing, StateTerminating, StateTerminated},
	StateInitializing:  {StateReady, StateTerminating, StateTerminated},
	StateReady:         {StateTerminating, StateTerminated},
	StateTerminating:   {StateTerminated},
	StateTerminated:    {},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is legal, or an error naming both
// states otherwise.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal state transition %s -> %s", s, next)
	}
	return next, nil
}
