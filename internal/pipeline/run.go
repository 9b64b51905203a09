package pipeline

import (
	"time"
)

// State is the lifecycle state of one TaskRun.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

// Status is the aggregate state of a PipelineRun.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TaskRun records the execution of one TaskUnit within a pipeline run.
type TaskRun struct {
	TaskID     string
	Attempt    int
	State      State
	StartedAt  time.Time
	FinishedAt time.Time
	Output     any
	Err        error
}

// PipelineRun is a point-in-time snapshot of one full graph traversal.
// Copies returned by Status and Recent are detached from scheduler state.
type PipelineRun struct {
	RunID      string
	Pipeline   string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Tasks      map[string]TaskRun
}

// CountByState tallies task runs per state, for health reporting.
func (r PipelineRun) CountByState() map[State]int {
	out := make(map[State]int, 5)
	for _, tr := range r.Tasks {
		out[tr.State]++
	}
	return out
}

// Event is emitted on every TaskRun state transition. Observers must be
// fast and must not call back into the scheduler.
type Event struct {
	RunID    string
	Pipeline string
	TaskID   string
	Attempt  int
	From     State
	To       State
	Err      error
	At       time.Time
}

// Observer receives scheduler state-transition events.
type Observer func(Event)
