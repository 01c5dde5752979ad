// Package executor defines the capabilities the orchestration core consumes:
// task execution and post-execution quality gates. The core never assumes a
// particular implementation; anything satisfying TaskExecutor can run tasks.
package executor

import (
	"context"
	"fmt"

	"github.com/aristath/conductor/internal/scheduler"
)

// Result is the payload an executor produces for a successful task.
type Result struct {
	Output string
}

// TaskExecutor runs a single task. Implementations must honor context
// cancellation and return an error for any failed execution.
type TaskExecutor interface {
	Execute(ctx context.Context, task scheduler.Task) (Result, error)
}

// QualityGate validates an apparently successful result. A non-nil error
// turns the success into a failure that enters the normal recovery path.
type QualityGate interface {
	Validate(task scheduler.Task, result Result) error
}

// TaskExecutionError wraps an executor failure with the task it came from.
type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %q execution failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// QualityGateFailure reports that a task's result did not pass its gate.
// Recovery treats it identically to an execution failure.
type QualityGateFailure struct {
	TaskID string
	Gate   string
	Err    error
}

func (e *QualityGateFailure) Error() string {
	return fmt.Sprintf("task %q failed quality gate %q: %v", e.TaskID, e.Gate, e.Err)
}

func (e *QualityGateFailure) Unwrap() error { return e.Err }

// ExecutorFunc adapts a function to the TaskExecutor interface.
type ExecutorFunc func(ctx context.Context, task scheduler.Task) (Result, error)

// Execute implements TaskExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, task scheduler.Task) (Result, error) {
	return f(ctx, task)
}

// GateFunc adapts a function to the QualityGate interface.
type GateFunc func(task scheduler.Task, result Result) error

// Validate implements QualityGate.
func (f GateFunc) Validate(task scheduler.Task, result Result) error {
	return f(task, result)
}
