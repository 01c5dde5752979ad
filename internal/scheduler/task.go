package scheduler

import "encoding/json"

// Task is a unit of work in the task graph.
//
// Effort is a unitless relative duration used by the critical-path scheduler.
// Zero effort is valid and marks a milestone; effort omitted from JSON decodes
// to DefaultEffort. Skills and QualityGate are carried for executors and gates
// and are ignored by the scheduler itself. Command is consumed by the command
// executor.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Deps        []string `json:"deps"`
	Effort      float64  `json:"effort"`
	Skills      []string `json:"skills,omitempty"`
	QualityGate string   `json:"qualityGate,omitempty"`
	Command     string   `json:"command,omitempty"`
}

// UnmarshalJSON decodes a task with DefaultEffort pre-applied, so an omitted
// effort field stays distinct from an explicit zero-effort milestone.
func (t *Task) UnmarshalJSON(data []byte) error {
	type taskAlias Task
	aux := taskAlias{Effort: DefaultEffort}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Task(aux)
	return nil
}

// RunState is the lifecycle state of a task during a run.
type RunState int

const (
	StatePending      RunState = iota // Waiting to be dispatched
	StateRunning                      // Currently executing
	StateRetrying                     // Failed, waiting out its backoff delay
	StateSucceeded                    // Finished successfully (and passed its gate)
	StateFailed                       // Last execution attempt failed (non-terminal)
	StateDeadLettered                 // Given up: retries exhausted or breaker open
	StateCancelled                    // Run cancelled before the task could finish
)

// String returns the wire name of the state.
func (s RunState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateDeadLettered:
		return "dead_lettered"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state is final. Terminal states are immutable
// once set.
func (s RunState) Terminal() bool {
	switch s {
	case StateSucceeded, StateDeadLettered, StateCancelled:
		return true
	}
	return false
}
