package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic routes events to interested subscribers.
type Topic string

const (
	TopicTask Topic = "task" // Per-task lifecycle events
	TopicRun  Topic = "run"  // Run-level progress and breaker events
)

// Event type constants
const (
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskRetrying     = "task.retrying"
	EventTypeTaskSucceeded    = "task.succeeded"
	EventTypeTaskDeadLettered = "task.dead_lettered"
	EventTypeTaskCancelled    = "task.cancelled"
	EventTypeBreakerChanged   = "run.breaker_changed"
	EventTypeRunProgress      = "run.progress"
)

// TaskStartedEvent is published when a task is dispatched to the executor.
type TaskStartedEvent struct {
	ID        string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failed task is scheduled for retry.
type TaskRetryingEvent struct {
	ID        string
	Attempt   int // Retry attempt about to run (1-based)
	Delay     time.Duration
	Err       error
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskSucceededEvent is published when a task completes and passes its gate.
type TaskSucceededEvent struct {
	ID        string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskSucceededEvent) EventType() string { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) TaskID() string    { return e.ID }

// TaskDeadLetteredEvent is published when recovery gives up on a task.
type TaskDeadLetteredEvent struct {
	ID        string
	Reason    string
	Err       error
	Timestamp time.Time
}

func (e TaskDeadLetteredEvent) EventType() string { return EventTypeTaskDeadLettered }
func (e TaskDeadLetteredEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a run cancellation settles a task.
type TaskCancelledEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// BreakerChangedEvent is published on circuit breaker state transitions.
type BreakerChangedEvent struct {
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerChangedEvent) EventType() string { return EventTypeBreakerChanged }
func (e BreakerChangedEvent) TaskID() string    { return "" }

// RunProgressEvent is published after every task state transition.
type RunProgressEvent struct {
	Total      int
	Completed  int
	Failed     int
	InProgress int
	Pending    int
	Timestamp  time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }
