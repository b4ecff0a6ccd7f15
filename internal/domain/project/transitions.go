package project

// transitions is the authoritative state transition table. Any transition
// not listed here is rejected with ErrConflict by the orchestrator.
var transitions = map[State][]State{
	StateInitial:   {StatePlanning},
	StatePlanning:  {StateDesigning, StateFailed},
	StateDesigning: {StateExecuting, StateFailed},
	StateExecuting: {StateAnalyzing, StatePaused, StateFailed},
	StatePaused:    {StateExecuting, StateFailed},
	StateAnalyzing: {StateReporting, StateFailed},
	StateReporting: {StateCompleted, StateFailed},
}

// CanTransition reports whether moving from one state to another is allowed
// by the transition table. A forced failure is allowed from any non-terminal
// state.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates returns the states reachable from the given state.
func NextStates(from State) []State {
	return transitions[from]
}
