package session

// State is one node of the session state machine (§4.E).
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateCatchup
	StateLive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateCatchup:
		return "catchup"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions enumerates the allowed out-edges for each state, per the
// table in §4.E.
var transitions = map[State]map[State]bool{
	StateConnecting:    {StateAuthenticated: true, StateClosed: true},
	StateAuthenticated: {StateCatchup: true, StateLive: true},
	StateCatchup:       {StateLive: true, StateDraining: true},
	StateLive:          {StateDraining: true, StateClosed: true},
	StateDraining:      {StateClosed: true},
	StateClosed:        {},
}

// CanTransition reports whether the state machine permits moving from from
// to to directly.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}
