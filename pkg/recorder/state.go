package recorder

// State of a recorder
type State string

const (
	StateUnknown   State = ""
	StateInactive  State = "inactive"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// Active reports whether a recording is in progress
func (s State) Active() bool {
	return s == StateRecording || s == StatePaused
}

func (s State) String() string {
	if s == StateUnknown {
		return "unknown"
	}
	return string(s)
}
