package engine

// State is the materialization engine lifecycle state
type State int32

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateReady
	StateFailed
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}

var transitions = map[State][]State{
	StateBootstrapping: {StateUninitialized},
	StateReady:         {StateBootstrapping},
	StateFailed:        {StateBootstrapping, StateReady, StateShuttingDown},
	StateShuttingDown:  {StateUninitialized, StateBootstrapping, StateReady},
	StateStopped:       {StateShuttingDown},
}

// CanTransition reports whether the engine may move from s to next
func (s State) CanTransition(next State) bool {
	for _, from := range transitions[next] {
		if from == s {
			return true
		}
	}
	return false
}
