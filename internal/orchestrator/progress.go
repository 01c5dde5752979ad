package orchestrator

import (
	"sync"

	"github.com/aristath/conductor/internal/scheduler"
)

// ProgressCounters summarizes run state. The four mutually-exclusive counts
// plus Pending always sum to Total.
type ProgressCounters struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
}

// ProgressTracker maintains run counters under a single point of
// synchronized mutation. Concurrent batch workers report every task state
// transition exactly once.
type ProgressTracker struct {
	mu sync.Mutex
	c  ProgressCounters
}

// NewProgressTracker creates a tracker with all tasks pending.
func NewProgressTracker(total int) *ProgressTracker {
	return &ProgressTracker{
		c: ProgressCounters{Total: total, Pending: total},
	}
}

// Transition records a task moving between run states.
func (t *ProgressTracker) Transition(from, to scheduler.RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.add(from, -1)
	t.add(to, +1)
}

// add adjusts the counter bucket for a run state. Retrying and the transient
// failed state count as in-progress; dead-lettered and cancelled count as
// failed.
func (t *ProgressTracker) add(s scheduler.RunState, delta int) {
	switch s {
	case scheduler.StateSucceeded:
		t.c.Completed += delta
	case scheduler.StateDeadLettered, scheduler.StateCancelled:
		t.c.Failed += delta
	case scheduler.StateRunning, scheduler.StateRetrying, scheduler.StateFailed:
		t.c.InProgress += delta
	default:
		t.c.Pending += delta
	}
}

// Snapshot returns an immutable copy of the counters.
func (t *ProgressTracker) Snapshot() ProgressCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}
