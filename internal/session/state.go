package session

// State is the lifecycle state of an upstream transcription session.
//
//	Idle → Connecting → AwaitingConfig → Active → Closing → Closed
//	           ↑              │             │
//	           └── Reconnecting ←───────────┘
//
// Only Active forwards audio.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingConfig
	StateActive
	StateReconnecting
	StateClosing
	StateClosed
)

// String returns the snake_case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connected reports whether a transport connection is held in state s.
func (s State) Connected() bool {
	return s == StateAwaitingConfig || s == StateActive
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateClosing || s == StateClosed
}
