package core

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether s is absorbing.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to RunState) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunFailed || to == RunCancelled
	case RunRunning:
		return to == RunCompleted || to == RunFailed || to == RunCancelled
	default:
		return false
	}
}
