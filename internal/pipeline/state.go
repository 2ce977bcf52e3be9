package pipeline

// State is a step of one pipeline run.
type State int

const (
	StateIdle State = iota
	StateContentLookup
	StateTranscribing
	StateResponding
	StateSynthesizing
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContentLookup:
		return "content_lookup"
	case StateTranscribing:
		return "transcribing"
	case StateResponding:
		return "responding"
	case StateSynthesizing:
		return "synthesizing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}
