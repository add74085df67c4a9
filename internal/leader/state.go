package leader

// State is the lifecycle state of an Elector.
type State int32

const (
	// StateIdle is the state before Start.
	StateIdle State = iota
	// StateCandidate means the elector is polling for the lock.
	StateCandidate
	// StateLeader means the elector holds the lock.
	StateLeader
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCandidate:
		return "CANDIDATE"
	case StateLeader:
		return "LEADER"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}
