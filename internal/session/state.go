package session

import "fmt"

// State is the session lifecycle position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateTimedOut     State = "timed_out"
	StateClosed       State = "closed"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateDisconnected: {
		StateConnecting: {},
		StateClosed:     {},
	},
	StateConnecting: {
		StateReady:        {},
		StateTimedOut:     {},
		StateDisconnected: {},
		StateClosed:       {},
	},
	StateReady: {
		StateBusy:         {},
		StateDisconnected: {},
		StateClosed:       {},
	},
	StateBusy: {
		StateBusy:         {},
		StateReady:        {},
		StateTimedOut:     {},
		StateDisconnected: {},
		StateClosed:       {},
	},
	StateTimedOut: {
		StateBusy:         {},
		StateReady:        {},
		StateTimedOut:     {},
		StateDisconnected: {},
		StateClosed:       {},
	},
}

// ValidateTransition reports whether from -> to is a legal move.
func ValidateTransition(from, to State) error {
	if from == to && from != StateBusy && from != StateTimedOut {
		return nil
	}
	if _, ok := allowedTransitions[from][to]; ok {
		return nil
	}
	return fmt.Errorf("invalid session transition %s -> %s", from, to)
}

func (s *Session) transitionLocked(to State) error {
	if err := ValidateTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}
