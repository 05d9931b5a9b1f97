package gateway

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting       State = "connecting"
	StateQRReady          State = "qr_ready"
	StatePairingRequested State = "pairing_requested"
	StateOpen             State = "open"
	StateClosing          State = "closing"
	StateClosedTransient  State = "closed_transient"
	StateClosedLoggedOut  State = "closed_logged_out"
)

// IsClosed reports whether the state is one of the two closed variants.
func (s State) IsClosed() bool {
	return s == StateClosedTransient || s == StateClosedLoggedOut
}

// IsTerminal reports whether the session can never come back on its own.
// A transient close is recoverable by the supervisor, logged out is not.
func (s State) IsTerminal() bool {
	return s == StateClosedLoggedOut
}

// legalTransitions is the full edge set of the session state machine.
// A QR refresh is modeled as qr_ready -> qr_ready so every state change,
// including code rotation, goes through the same gate.
var legalTransitions = map[State][]State{
	StateConnecting: {
		StateQRReady, StatePairingRequested, StateOpen,
		StateClosing, StateClosedTransient, StateClosedLoggedOut,
	},
	StateQRReady: {
		StateQRReady, StatePairingRequested, StateOpen,
		StateClosing, StateClosedTransient, StateClosedLoggedOut,
	},
	StatePairingRequested: {
		StateQRReady, StateOpen,
		StateClosing, StateClosedTransient, StateClosedLoggedOut,
	},
	StateOpen: {
		StateClosing, StateClosedTransient, StateClosedLoggedOut,
	},
	StateClosing: {
		StateClosedTransient, StateClosedLoggedOut,
	},
	StateClosedTransient: {
		StateConnecting,
	},
	StateClosedLoggedOut: {},
}

func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition wraps a rejected state machine edge.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
}
