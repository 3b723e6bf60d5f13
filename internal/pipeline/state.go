package pipeline

// State is the pipeline's lifecycle state. Exactly one State is active at
// any time and transitions happen only on the event loop goroutine, so no
// transition is ever concurrent with another.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTriggered
	StateRecording
	StateAwaitingResponse
	StateSpeaking
	StateRecovering
	StateDegraded
	StateShuttingDown
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTriggered:
		return "TRIGGERED"
	case StateRecording:
		return "RECORDING"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateSpeaking:
		return "SPEAKING"
	case StateRecovering:
		return "RECOVERING"
	case StateDegraded:
		return "DEGRADED"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// turnRequired reports whether a Turn must exist while in s.
func (s State) turnRequired() bool {
	switch s {
	case StateTriggered, StateRecording, StateAwaitingResponse, StateSpeaking:
		return true
	}
	return false
}
