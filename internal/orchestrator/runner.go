package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/scheduler"
)

// DefaultCancelGrace bounds how long a cancelled run waits for in-flight
// tasks to settle before marking them cancelled.
const DefaultCancelGrace = 5 * time.Second

// Config configures an Orchestrator.
type Config struct {
	Executor    executor.TaskExecutor           // Required
	Gates       map[string]executor.QualityGate // Keyed by Task.QualityGate
	Bus         *events.Bus                     // Optional; nil disables events
	Narrative   NarrativeSynthesizer            // Optional report prose
	CancelGrace time.Duration                   // Defaults to DefaultCancelGrace
}

// Orchestrator drives batches of tasks through the injected executor,
// applying the recovery policy and tracking progress.
type Orchestrator struct {
	cfg Config
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Orchestrator{cfg: cfg}
}

// taskRun is the orchestrator-owned mutable state for one task.
type taskRun struct {
	state    scheduler.RunState
	attempts int
	output   string
	err      error
	reason   string // Dead-letter reason, set before the terminal transition
}

// runState holds all task run states behind one mutex. Terminal states are
// immutable: transitions on settled tasks are dropped.
type runState struct {
	mu      sync.Mutex
	order   []string
	tasks   map[string]*taskRun
	tracker *ProgressTracker
	bus     *events.Bus
}

func newRunState(ids []string, bus *events.Bus) *runState {
	rs := &runState{
		order:   ids,
		tasks:   make(map[string]*taskRun, len(ids)),
		tracker: NewProgressTracker(len(ids)),
		bus:     bus,
	}
	for _, id := range ids {
		rs.tasks[id] = &taskRun{state: scheduler.StatePending}
	}
	return rs
}

// transition moves a task to a new state, updating the progress counters
// exactly once. Returns false if the task is already terminal or the state
// is unchanged.
func (rs *runState) transition(id string, to scheduler.RunState) bool {
	rs.mu.Lock()
	tr := rs.tasks[id]
	if tr == nil || tr.state.Terminal() || tr.state == to {
		rs.mu.Unlock()
		return false
	}
	from := tr.state
	tr.state = to
	rs.tracker.Transition(from, to)
	snap := rs.tracker.Snapshot()
	rs.mu.Unlock()

	rs.bus.Publish(events.TopicRun, events.RunProgressEvent{
		Total:      snap.Total,
		Completed:  snap.Completed,
		Failed:     snap.Failed,
		InProgress: snap.InProgress,
		Pending:    snap.Pending,
		Timestamp:  time.Now(),
	})
	return true
}

func (rs *runState) setAttempts(id string, attempts int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if tr := rs.tasks[id]; tr != nil && attempts > tr.attempts {
		tr.attempts = attempts
	}
}

func (rs *runState) setOutput(id, output string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if tr := rs.tasks[id]; tr != nil && !tr.state.Terminal() {
		tr.output = output
	}
}

func (rs *runState) setFailure(id string, err error, reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if tr := rs.tasks[id]; tr != nil && !tr.state.Terminal() {
		tr.err = err
		tr.reason = reason
	}
}

func (rs *runState) get(id string) taskRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if tr := rs.tasks[id]; tr != nil {
		return *tr
	}
	return taskRun{}
}

// Run validates the inputs, plans the run, then drives each batch to full
// resolution before starting the next.
//
// Pre-run validation errors (*scheduler.CycleDetectedError,
// *config.InvalidPolicyError) are returned immediately. Per-task failures
// never abort the run; they surface in the report's dead-letter list.
func (o *Orchestrator) Run(ctx context.Context, tasks []scheduler.Task, policy config.Policy) (*Report, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	g, err := scheduler.NewGraph(tasks)
	if err != nil {
		return nil, err
	}

	// Planning happens once, up front
	sched := scheduler.ComputeSchedule(g)
	plan := scheduler.PlanBatches(g, sched, policy.Parallelism)

	engine := newRecoveryEngine(policy, o.cfg.Bus)
	rs := newRunState(taskIDs(g), o.cfg.Bus)

	status := StatusCompleted
	for _, batch := range plan.Batches {
		if ctx.Err() != nil {
			status = StatusCancelled
			break
		}

		// An open breaker at a batch boundary stops all further dispatch
		if engine.open() {
			status = StatusDegraded
			o.massDeadLetter(rs, policy)
			break
		}

		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(policy.Parallelism)
		for _, id := range batch {
			id := id
			eg.Go(func() error {
				o.runTask(gctx, g, engine, rs, policy, id)
				return nil
			})
		}

		o.waitBatch(ctx, eg)
	}

	if ctx.Err() != nil {
		status = StatusCancelled
	}
	if status == StatusCancelled {
		o.cancelRemaining(rs)
	}

	// A breaker that tripped inside the final batch never reaches the
	// boundary check above; its rejections still degrade the run.
	if status == StatusCompleted {
		for _, id := range rs.order {
			if tr := rs.get(id); tr.state == scheduler.StateDeadLettered && tr.reason == ReasonCircuitOpen {
				status = StatusDegraded
				break
			}
		}
	}

	report := &Report{
		Status:   status,
		Schedule: sched,
		Batches:  plan,
		Recovery: recoverySummary(policy),
		Progress: rs.tracker.Snapshot(),
	}
	for _, id := range rs.order {
		tr := rs.get(id)
		outcome := TaskOutcome{
			TaskID:   id,
			State:    tr.state.String(),
			Attempts: tr.attempts,
			Output:   tr.output,
		}
		if tr.err != nil {
			outcome.Error = tr.err.Error()
		}
		report.Tasks = append(report.Tasks, outcome)

		if tr.state == scheduler.StateDeadLettered && policy.DeadLetter.Enabled {
			letter := DeadLetter{
				TaskID: id,
				Reason: tr.reason,
				Target: policy.DeadLetter.Target,
			}
			if tr.err != nil {
				letter.Error = tr.err.Error()
			}
			report.DeadLetters = append(report.DeadLetters, letter)
		}
	}

	if o.cfg.Narrative != nil {
		// Best-effort: a failed synthesis leaves the narrative empty
		text, nerr := o.cfg.Narrative.Synthesize(ctx, report)
		if nerr != nil {
			log.Printf("WARNING: narrative synthesis failed: %v", nerr)
		} else {
			report.Narrative = text
		}
	}

	return report, nil
}

// runTask executes one task to a terminal state, retrying in place per the
// recovery policy. Retried tasks stay in their batch: dependents wait for
// resolution regardless.
func (o *Orchestrator) runTask(ctx context.Context, g *scheduler.Graph, engine *recoveryEngine, rs *runState, policy config.Policy, id string) {
	task, ok := g.Get(id)
	if !ok {
		log.Printf("ERROR: task %q not found in graph", id)
		return
	}

	var gate executor.QualityGate
	if task.QualityGate != "" {
		gate = o.cfg.Gates[task.QualityGate]
	}

	startedAt := time.Now()

	onAttempt := func(attempt int) {
		rs.setAttempts(id, attempt)
		rs.transition(id, scheduler.StateRunning)
		o.cfg.Bus.Publish(events.TopicTask, events.TaskStartedEvent{
			ID:        id,
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
	}

	onRetry := func(attempt int, delay time.Duration, attemptErr error) {
		rs.transition(id, scheduler.StateFailed)
		rs.transition(id, scheduler.StateRetrying)
		o.cfg.Bus.Publish(events.TopicTask, events.TaskRetryingEvent{
			ID:        id,
			Attempt:   attempt,
			Delay:     delay,
			Err:       attemptErr,
			Timestamp: time.Now(),
		})
	}

	result, attempts, err := engine.execute(ctx, task, o.cfg.Executor, gate, onAttempt, onRetry)
	rs.setAttempts(id, attempts)

	if err == nil {
		rs.setOutput(id, result.Output)
		rs.transition(id, scheduler.StateSucceeded)
		o.cfg.Bus.Publish(events.TopicTask, events.TaskSucceededEvent{
			ID:        id,
			Attempts:  attempts,
			Duration:  time.Since(startedAt),
			Timestamp: time.Now(),
		})
		return
	}

	// Cancellation is a normal terminal outcome, not a failure
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		rs.transition(id, scheduler.StateCancelled)
		o.cfg.Bus.Publish(events.TopicTask, events.TaskCancelledEvent{ID: id, Timestamp: time.Now()})
		return
	}

	reason := ReasonRetriesExhausted
	var open *CircuitBreakerOpenError
	if errors.As(err, &open) {
		reason = ReasonCircuitOpen
	}

	rs.setFailure(id, err, reason)
	rs.transition(id, scheduler.StateFailed)
	rs.transition(id, scheduler.StateDeadLettered)
	o.cfg.Bus.Publish(events.TopicTask, events.TaskDeadLetteredEvent{
		ID:        id,
		Reason:    reason,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// waitBatch waits for the batch to fully resolve. After cancellation the
// wait is bounded by the grace period; tasks still settling are marked
// cancelled by the caller and any late updates are dropped.
func (o *Orchestrator) waitBatch(ctx context.Context, eg *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-time.After(o.cfg.CancelGrace):
		log.Printf("WARNING: cancellation grace period elapsed with tasks still settling")
	}
}

// massDeadLetter routes every not-yet-started task to the dead letter list
// with reason circuit_open.
func (o *Orchestrator) massDeadLetter(rs *runState, policy config.Policy) {
	for _, id := range rs.order {
		if rs.get(id).state != scheduler.StatePending {
			continue
		}
		rs.setFailure(id, &CircuitBreakerOpenError{TaskID: id}, ReasonCircuitOpen)
		rs.transition(id, scheduler.StateDeadLettered)
		o.cfg.Bus.Publish(events.TopicTask, events.TaskDeadLetteredEvent{
			ID:        id,
			Reason:    ReasonCircuitOpen,
			Timestamp: time.Now(),
		})
	}
}

// cancelRemaining marks every non-terminal task cancelled.
func (o *Orchestrator) cancelRemaining(rs *runState) {
	for _, id := range rs.order {
		if rs.transition(id, scheduler.StateCancelled) {
			o.cfg.Bus.Publish(events.TopicTask, events.TaskCancelledEvent{ID: id, Timestamp: time.Now()})
		}
	}
}

// taskIDs returns the graph's task IDs in input order.
func taskIDs(g *scheduler.Graph) []string {
	tasks := g.Tasks()
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
