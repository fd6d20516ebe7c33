package lock

// State is the position of an attempt in its lifecycle:
// Created, Ranking, then Waiting (back to Ranking on every fire) or Holding,
// and finally Released. Error is terminal.
type State int

const (
	StateCreated State = iota
	StateRanking
	StateWaiting
	StateHolding
	StateReleased
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRanking:
		return "ranking"
	case StateWaiting:
		return "waiting"
	case StateHolding:
		return "holding"
	case StateReleased:
		return "released"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateError
}
