package call

import "fmt"

// State represents the lifecycle state of a call
type State int

const (
	// StatePending is the initial state: signaling in progress, not yet confirmed
	StatePending State = iota
	// StateActive is after the call is confirmed (connected end to end)
	StateActive
	// StateEnded is the final state after the call disconnects
	StateEnded
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateActive:
		return "Active"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StatePending: {StateActive, StateEnded},
	StateActive:  {StateEnded},
	StateEnded:   {}, // Terminal state, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateEnded
}

// EndReason explains why a call ended
type EndReason int

const (
	// ReasonRemoteHangup means the remote party disconnected
	ReasonRemoteHangup EndReason = iota
	// ReasonLocalHangup means we initiated the disconnect
	ReasonLocalHangup
	// ReasonDialTimeout means an outbound call was abandoned before it was answered
	ReasonDialTimeout
	// ReasonShutdown means the agent was stopping
	ReasonShutdown
	// ReasonError means signaling or media failed
	ReasonError
)

// String returns the string representation of the end reason
func (r EndReason) String() string {
	switch r {
	case ReasonRemoteHangup:
		return "RemoteHangup"
	case ReasonLocalHangup:
		return "LocalHangup"
	case ReasonDialTimeout:
		return "DialTimeout"
	case ReasonShutdown:
		return "Shutdown"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
