package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/scheduler"
)

func outcomeFor(t *testing.T, report *Report, taskID string) TaskOutcome {
	t.Helper()
	for _, o := range report.Tasks {
		if o.TaskID == taskID {
			return o
		}
	}
	t.Fatalf("no outcome for task %s", taskID)
	return TaskOutcome{}
}

// TestRunHappyPath verifies a small graph runs to completion with the full
// report populated.
func TestRunHappyPath(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("A", executor.Result{Output: "a-out"})
	exec.script("B", executor.Result{Output: "b-out"})
	exec.script("C", executor.Result{Output: "c-out"})

	orch := New(Config{Executor: exec})
	report, err := orch.Run(context.Background(), []scheduler.Task{
		{ID: "A", Effort: 1},
		{ID: "B", Effort: 1, Deps: []string{"A"}},
		{ID: "C", Effort: 1},
	}, fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", report.Status)
	}
	for _, id := range []string{"A", "B", "C"} {
		o := outcomeFor(t, report, id)
		if o.State != "succeeded" {
			t.Errorf("task %s: expected succeeded, got %s", id, o.State)
		}
		if o.Attempts != 1 {
			t.Errorf("task %s: expected 1 attempt, got %d", id, o.Attempts)
		}
	}
	if outcomeFor(t, report, "B").Output != "b-out" {
		t.Error("expected task output preserved in report")
	}

	want := ProgressCounters{Total: 3, Completed: 3}
	if report.Progress != want {
		t.Errorf("expected progress %+v, got %+v", want, report.Progress)
	}
	if len(report.DeadLetters) != 0 {
		t.Errorf("expected no dead letters, got %v", report.DeadLetters)
	}
	if report.Schedule == nil || report.Schedule.Makespan != 2 {
		t.Errorf("expected schedule with makespan 2, got %+v", report.Schedule)
	}
	if report.Batches == nil || len(report.Batches.Batches) == 0 {
		t.Error("expected batch plan in report")
	}
	if report.Recovery.MaxRetries != fastPolicy().MaxRetries {
		t.Error("expected recovery summary to echo the policy")
	}
}

// TestRunInvalidInputs verifies pre-run validation fails fast.
func TestRunInvalidInputs(t *testing.T) {
	orch := New(Config{Executor: newScriptedExecutor()})

	// Cycle
	_, err := orch.Run(context.Background(), []scheduler.Task{
		{ID: "A", Deps: []string{"B"}},
		{ID: "B", Deps: []string{"A"}},
	}, fastPolicy())
	var cycleErr *scheduler.CycleDetectedError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *scheduler.CycleDetectedError, got %v", err)
	}
	if !reflect.DeepEqual(cycleErr.Participants, []string{"A", "B"}) {
		t.Errorf("expected participants [A B], got %v", cycleErr.Participants)
	}

	// Invalid policy
	bad := fastPolicy()
	bad.Parallelism = 0
	_, err = orch.Run(context.Background(), []scheduler.Task{{ID: "A"}}, bad)
	var policyErr *config.InvalidPolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("expected *config.InvalidPolicyError, got %v", err)
	}
}

// TestRunRetryExhaustion: a task failing every attempt with maxRetries=3
// ends dead-lettered after 4 executions; the run still completes.
func TestRunRetryExhaustion(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("flaky", fmt.Errorf("always fails"))
	exec.script("ok", executor.Result{})

	policy := fastPolicy()
	policy.MaxRetries = 3

	orch := New(Config{Executor: exec})
	report, err := orch.Run(context.Background(), []scheduler.Task{
		{ID: "flaky"},
		{ID: "ok"},
	}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", report.Status)
	}

	o := outcomeFor(t, report, "flaky")
	if o.State != "dead_lettered" {
		t.Errorf("expected dead_lettered, got %s", o.State)
	}
	if o.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", o.Attempts)
	}

	if len(report.DeadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(report.DeadLetters))
	}
	dl := report.DeadLetters[0]
	if dl.TaskID != "flaky" || dl.Reason != ReasonRetriesExhausted {
		t.Errorf("expected flaky/retries_exhausted, got %s/%s", dl.TaskID, dl.Reason)
	}

	want := ProgressCounters{Total: 2, Completed: 1, Failed: 1}
	if report.Progress != want {
		t.Errorf("expected progress %+v, got %+v", want, report.Progress)
	}
}

// TestRunDegradedOnOpenBreaker: an open breaker at a batch boundary
// mass-routes remaining tasks to the dead letter list.
func TestRunDegradedOnOpenBreaker(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("A", fmt.Errorf("boom"))
	exec.script("B", executor.Result{})
	exec.script("C", executor.Result{})

	policy := fastPolicy()
	policy.MaxRetries = 0
	policy.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 1, CooldownMs: 60_000}
	policy.Parallelism = 1

	orch := New(Config{Executor: exec})
	report, err := orch.Run(context.Background(), []scheduler.Task{
		{ID: "A"},
		{ID: "B", Deps: []string{"A"}},
		{ID: "C", Deps: []string{"B"}},
	}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", report.Status)
	}

	if o := outcomeFor(t, report, "A"); o.State != "dead_lettered" {
		t.Errorf("task A: expected dead_lettered, got %s", o.State)
	}
	for _, id := range []string{"B", "C"} {
		o := outcomeFor(t, report, id)
		if o.State != "dead_lettered" {
			t.Errorf("task %s: expected dead_lettered, got %s", id, o.State)
		}
		if o.Attempts != 0 {
			t.Errorf("task %s: expected 0 attempts, got %d", id, o.Attempts)
		}
	}

	reasons := make(map[string]string)
	for _, dl := range report.DeadLetters {
		reasons[dl.TaskID] = dl.Reason
	}
	if reasons["A"] != ReasonRetriesExhausted {
		t.Errorf("task A: expected retries_exhausted, got %s", reasons["A"])
	}
	if reasons["B"] != ReasonCircuitOpen || reasons["C"] != ReasonCircuitOpen {
		t.Errorf("tasks B/C: expected circuit_open, got %v", reasons)
	}

	// B and C were never dispatched
	if exec.callCount("B") != 0 || exec.callCount("C") != 0 {
		t.Error("expected no dispatch after the breaker opened")
	}
}

// TestRunDegradedOnBreakerTripInFinalBatch: a breaker that opens inside the
// only batch and rejects retries there still marks the run degraded, even
// though no later batch boundary observes it.
func TestRunDegradedOnBreakerTripInFinalBatch(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("A", fmt.Errorf("boom"))
	exec.script("B", fmt.Errorf("boom"))

	policy := fastPolicy()
	policy.MaxRetries = 2
	policy.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 1, CooldownMs: 60_000}
	policy.Parallelism = 2

	orch := New(Config{Executor: exec})
	report, err := orch.Run(context.Background(), []scheduler.Task{
		{ID: "A"},
		{ID: "B"},
	}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Batches.Batches) != 1 {
		t.Fatalf("expected a single batch, got %v", report.Batches.Batches)
	}
	if report.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", report.Status)
	}

	reasons := make(map[string]string)
	for _, dl := range report.DeadLetters {
		reasons[dl.TaskID] = dl.Reason
	}
	// Each task's first failure trips or keeps the breaker open, so every
	// retry is rejected without reaching the executor.
	for _, id := range []string{"A", "B"} {
		if o := outcomeFor(t, report, id); o.State != "dead_lettered" {
			t.Errorf("task %s: expected dead_lettered, got %s", id, o.State)
		}
		if reasons[id] != ReasonCircuitOpen {
			t.Errorf("task %s: expected circuit_open, got %s", id, reasons[id])
		}
	}
}

// TestRunCancellation verifies cooperative cancellation: in-flight tasks
// settle as cancelled and un-started tasks are never dispatched.
func TestRunCancellation(t *testing.T) {
	started := make(chan struct{})
	blockingExec := executor.ExecutorFunc(func(ctx context.Context, task scheduler.Task) (executor.Result, error) {
		if task.ID == "slow" {
			close(started)
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		}
		return executor.Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	policy := fastPolicy()
	policy.Parallelism = 1

	orch := New(Config{Executor: blockingExec, CancelGrace: time.Second})
	report, err := orch.Run(ctx, []scheduler.Task{
		{ID: "slow"},
		{ID: "later", Deps: []string{"slow"}},
	}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Status != StatusCancelled {
		t.Errorf("expected status cancelled, got %s", report.Status)
	}
	if o := outcomeFor(t, report, "slow"); o.State != "cancelled" {
		t.Errorf("task slow: expected cancelled, got %s", o.State)
	}
	if o := outcomeFor(t, report, "later"); o.State != "cancelled" {
		t.Errorf("task later: expected cancelled, got %s", o.State)
	}

	sum := report.Progress.Completed + report.Progress.Failed + report.Progress.InProgress + report.Progress.Pending
	if sum != report.Progress.Total {
		t.Errorf("progress counters do not sum to total: %+v", report.Progress)
	}
}

// TestRunParallelismBound verifies concurrent dispatch never exceeds the
// policy's parallelism.
func TestRunParallelismBound(t *testing.T) {
	var current, peak int32
	countingExec := executor.ExecutorFunc(func(ctx context.Context, task scheduler.Task) (executor.Result, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return executor.Result{}, nil
	})

	policy := fastPolicy()
	policy.Parallelism = 2

	var tasks []scheduler.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, scheduler.Task{ID: fmt.Sprintf("t%d", i)})
	}

	orch := New(Config{Executor: countingExec})
	report, err := orch.Run(context.Background(), tasks, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", report.Status)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("expected at most 2 concurrent tasks, observed %d", got)
	}
}

// TestRunProgressInvariant samples progress events during a concurrent run
// and checks the counters always sum to total.
func TestRunProgressInvariant(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("A", fmt.Errorf("fail once"), executor.Result{})
	exec.script("B", executor.Result{})
	exec.script("C", executor.Result{})
	exec.script("D", executor.Result{})

	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicRun, 1024)

	var wg sync.WaitGroup
	wg.Add(1)
	var violations []events.RunProgressEvent
	go func() {
		defer wg.Done()
		for ev := range ch {
			if p, ok := ev.(events.RunProgressEvent); ok {
				if p.Completed+p.Failed+p.InProgress+p.Pending != p.Total {
					violations = append(violations, p)
				}
			}
		}
	}()

	orch := New(Config{Executor: exec, Bus: bus})
	report, err := orch.Run(context.Background(), []scheduler.Task{
		{ID: "A"},
		{ID: "B"},
		{ID: "C", Deps: []string{"A"}},
		{ID: "D", Deps: []string{"B"}},
	}, fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bus.Close()
	wg.Wait()

	if len(violations) > 0 {
		t.Errorf("progress invariant violated in %d events, first: %+v", len(violations), violations[0])
	}
	if report.Progress.Completed != 4 {
		t.Errorf("expected 4 completed, got %+v", report.Progress)
	}
}

// TestRunQualityGateDeadLetter verifies a persistently failing gate
// dead-letters the task like any execution failure.
func TestRunQualityGateDeadLetter(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("gated", executor.Result{Output: "bad output"})

	gates := map[string]executor.QualityGate{
		"strict": executor.GateFunc(func(task scheduler.Task, result executor.Result) error {
			return fmt.Errorf("rejected %q", result.Output)
		}),
	}

	policy := fastPolicy()
	policy.MaxRetries = 1

	orch := New(Config{Executor: exec, Gates: gates})
	report, err := orch.Run(context.Background(), []scheduler.Task{
		{ID: "gated", QualityGate: "strict"},
	}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o := outcomeFor(t, report, "gated")
	if o.State != "dead_lettered" {
		t.Errorf("expected dead_lettered, got %s", o.State)
	}
	if o.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", o.Attempts)
	}

	if len(report.DeadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(report.DeadLetters))
	}
	if report.DeadLetters[0].Reason != ReasonRetriesExhausted {
		t.Errorf("expected retries_exhausted, got %s", report.DeadLetters[0].Reason)
	}
}

// TestRunDeadLetterDisabled verifies the dead-letter list is suppressed
// when the policy's sink is disabled, while terminal states are unchanged.
func TestRunDeadLetterDisabled(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("flaky", fmt.Errorf("always fails"))

	policy := fastPolicy()
	policy.MaxRetries = 0
	policy.DeadLetter.Enabled = false

	orch := New(Config{Executor: exec})
	report, err := orch.Run(context.Background(), []scheduler.Task{{ID: "flaky"}}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if o := outcomeFor(t, report, "flaky"); o.State != "dead_lettered" {
		t.Errorf("expected dead_lettered state, got %s", o.State)
	}
	if len(report.DeadLetters) != 0 {
		t.Errorf("expected empty dead letter list, got %v", report.DeadLetters)
	}
}

type stubSynthesizer struct {
	text string
	err  error
}

func (s stubSynthesizer) Synthesize(ctx context.Context, report *Report) (string, error) {
	return s.text, s.err
}

// TestRunNarrative verifies the synthesizer's prose lands on the report and
// that a synthesis failure leaves the run untouched.
func TestRunNarrative(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("A", executor.Result{})

	orch := New(Config{
		Executor:  exec,
		Narrative: stubSynthesizer{text: "everything went fine"},
	})
	report, err := orch.Run(context.Background(), []scheduler.Task{{ID: "A"}}, fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Narrative != "everything went fine" {
		t.Errorf("expected narrative on the report, got %q", report.Narrative)
	}

	orch = New(Config{
		Executor:  exec,
		Narrative: stubSynthesizer{err: fmt.Errorf("model unavailable")},
	})
	report, err = orch.Run(context.Background(), []scheduler.Task{{ID: "A"}}, fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Narrative != "" {
		t.Errorf("expected empty narrative on synthesis failure, got %q", report.Narrative)
	}
	if report.Status != StatusCompleted {
		t.Errorf("narrative failure must not affect the run, got %s", report.Status)
	}
}

func TestNoopSynthesizer(t *testing.T) {
	text, err := NoopSynthesizer{}.Synthesize(context.Background(), &Report{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "" {
		t.Errorf("expected empty narrative, got %q", text)
	}
}
