package ota

// State is the OTA transfer state, shared by every layer that observes a
// session. Terminal states are Completed, Aborted and Error.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateNegotiatingMtu
	StateEnablingNotify
	StateTransferring
	StateVerifying
	StateCompleted
	StateAborted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateNegotiatingMtu:
		return "negotiating_mtu"
	case StateEnablingNotify:
		return "enabling_notify"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateError:
		return true
	default:
		return false
	}
}
