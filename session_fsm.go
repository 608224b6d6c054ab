package unique

import "fmt"

// sessionState represents a small finite state machine shared by both ends
// of a connection. It has the following transitions:
// ∅              → None
// None           → HandshakeDone
// HandshakeDone  → Done
// (any)          → Closed
//
// The meaning of each state is described above the state's definition below.
type sessionState string

const (
	// None is the initial state. A client has sent 'ping' and waits for 'pong';
	// a server waits for 'ping'.
	sessionStateNone sessionState = "none"
	// HandshakeDone is the state after the ping/pong exchange. A client has
	// sent 'notify' and waits for 'kthxbai'; a server waits for 'notify'.
	sessionStateHandshakeDone sessionState = "handshake-done"
	// Done is the state after the notify/kthxbai exchange. A server waits for
	// 'cu'; a client sends 'cu' and closes.
	sessionStateDone sessionState = "done"
	// Closed is the state of a session whose connection has been torn down,
	// whether gracefully, by hang-up or by an error.
	sessionStateClosed sessionState = "closed"
)

var validTransitions = map[sessionState][]sessionState{
	sessionStateNone: []sessionState{
		sessionStateHandshakeDone,
		sessionStateClosed,
	},
	sessionStateHandshakeDone: []sessionState{
		sessionStateDone,
		sessionStateClosed,
	},
	sessionStateDone: []sessionState{
		sessionStateClosed,
	},
	sessionStateClosed: []sessionState{
		sessionStateClosed,
	},
}

func (s *sessionState) canTransitionTo(state sessionState) error {
	validTargets := validTransitions[*s]

	for _, target := range validTargets {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *sessionState) transitionTo(state sessionState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
