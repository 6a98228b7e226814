package poller

// State is the lifecycle of a Poller.
type State int

const (
	Idle State = iota
	Polling
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// canTransition encodes the allowed edges: Idle→Polling and
// Polling→{Completed, Failed, Cancelled}.
func canTransition(from, to State) bool {
	switch from {
	case Idle:
		return to == Polling
	case Polling:
		return to.Terminal()
	}
	return false
}
