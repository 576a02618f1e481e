package mastership

import "fmt"

// connState represents the lifecycle of a connection. It has the following transitions:
// ∅          → Connecting
// Connecting → Active
// Connecting → Closed
// Active     → Closed
// Closed     → Closed
type connState string

const (
	// Connecting is the initial state. The transport is being dialed or the
	// hello exchange has not finished.
	connStateConnecting connState = "connecting"
	// Active means the hello exchange completed and transactions may be sent.
	connStateActive connState = "active"
	// Closed is terminal. Every outstanding transaction has been failed.
	connStateClosed connState = "closed"
)

var validConnTransitions = map[connState][]connState{
	connStateConnecting: {
		connStateActive,
		connStateClosed,
	},
	connStateActive: {
		connStateClosed,
	},
	connStateClosed: {
		connStateClosed,
	},
}

func (s *connState) canTransitionTo(state connState) error {
	for _, target := range validConnTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *connState) transitionTo(state connState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
