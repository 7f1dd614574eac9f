package frameclock

// State is the dispatch state of a frame clock: how many frames are in
// flight and whether a further update is already scheduled. It is a single
// flat enumeration rather than orthogonal booleans so that illegal
// combinations are unrepresentable; every switch over it is exhaustive and
// treats an unknown value as a loud no-op.
type State int

const (
	// StateInit is the state before the first update is scheduled.
	StateInit State = iota
	// StateIdle means no frame is in flight and no wakeup is armed.
	StateIdle
	// StateScheduled means a wakeup is armed at a predicted update time.
	StateScheduled
	// StateScheduledNow means a wakeup is armed at the current time with
	// no minimum render time.
	StateScheduledNow
	// StateDispatchedOne means one frame awaits resolution.
	StateDispatchedOne
	// StateDispatchedOneAndScheduled means one frame awaits resolution
	// and a wakeup is armed for the next one (triple buffering).
	StateDispatchedOneAndScheduled
	// StateDispatchedOneAndScheduledNow is the immediate variant of
	// StateDispatchedOneAndScheduled.
	StateDispatchedOneAndScheduledNow
	// StateDispatchedTwo means two frames await resolution; a third
	// in-flight frame is never allowed.
	StateDispatchedTwo
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateScheduledNow:
		return "scheduled-now"
	case StateDispatchedOne:
		return "dispatched-one"
	case StateDispatchedOneAndScheduled:
		return "dispatched-one-and-scheduled"
	case StateDispatchedOneAndScheduledNow:
		return "dispatched-one-and-scheduled-now"
	case StateDispatchedTwo:
		return "dispatched-two"
	}
	return "unknown"
}

// FramesInFlight returns how many dispatched frames await resolution.
func (s State) FramesInFlight() int {
	switch s {
	case StateInit, StateIdle, StateScheduled, StateScheduledNow:
		return 0
	case StateDispatchedOne, StateDispatchedOneAndScheduled, StateDispatchedOneAndScheduledNow:
		return 1
	case StateDispatchedTwo:
		return 2
	}
	return 0
}
