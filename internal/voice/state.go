package voice

// State is the session's dialog state. Transitions are serialized through
// the session's event loop.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}
