package orchestrator

import (
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/scheduler"
)

// RunStatus is the overall outcome of an orchestration run.
type RunStatus string

const (
	// StatusCompleted: every batch was dispatched. Individual tasks may
	// still have been dead-lettered.
	StatusCompleted RunStatus = "completed"
	// StatusDegraded: an open circuit breaker prevented part of the run,
	// either rejecting tasks mid-batch or stopping dispatch at a batch
	// boundary; affected tasks are dead-lettered with reason circuit_open.
	StatusDegraded RunStatus = "degraded"
	// StatusCancelled: the run was cancelled before all batches resolved.
	StatusCancelled RunStatus = "cancelled"
)

// TaskOutcome is the terminal record for one task.
type TaskOutcome struct {
	TaskID   string `json:"taskId"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DeadLetter records a task that could not be completed.
type DeadLetter struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
	Target string `json:"target,omitempty"`
}

// RecoverySummary is the effective recovery policy echoed back with the
// report so consumers can see what governed the run.
type RecoverySummary struct {
	MaxRetries     int                         `json:"maxRetries"`
	Backoff        config.BackoffConfig        `json:"backoff"`
	CircuitBreaker config.CircuitBreakerConfig `json:"circuitBreaker"`
	DeadLetter     config.DeadLetterConfig     `json:"deadLetter"`
}

// Report is the full result of a run: the up-front planning artifacts plus
// per-task terminal states, dead letters, and final progress counters.
type Report struct {
	Status      RunStatus            `json:"status"`
	Schedule    *scheduler.Schedule  `json:"schedule"`
	Batches     *scheduler.BatchPlan `json:"batches"`
	Recovery    RecoverySummary      `json:"recovery"`
	Tasks       []TaskOutcome        `json:"tasks"`
	DeadLetters []DeadLetter         `json:"deadLetters"`
	Progress    ProgressCounters     `json:"progress"`
	Narrative   string               `json:"narrative,omitempty"`
}

// recoverySummary extracts the report's recovery artifact from a policy.
func recoverySummary(p config.Policy) RecoverySummary {
	return RecoverySummary{
		MaxRetries:     p.MaxRetries,
		Backoff:        p.Backoff,
		CircuitBreaker: p.CircuitBreaker,
		DeadLetter:     p.DeadLetter,
	}
}
