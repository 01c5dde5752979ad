package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

// runRequest is the JSON contract for a run submission.
type runRequest struct {
	Tasks  []scheduler.Task `json:"tasks"`
	Policy config.Policy    `json:"policy"`
}

// planOutput is the plan-only response: the three planning artifacts,
// without execution.
type planOutput struct {
	Schedule *scheduler.Schedule          `json:"schedule"`
	Batches  *scheduler.BatchPlan         `json:"batches"`
	Recovery orchestrator.RecoverySummary `json:"recovery"`
}

func main() {
	planOnly := flag.Bool("plan-only", false, "compute schedule and batches without executing")
	dbPath := flag.String("db", "", "run history database path (default ~/.conductor/history.db)")
	quiet := flag.Bool("quiet", false, "suppress task lifecycle logging")
	flag.Parse()

	if err := run(*planOnly, *dbPath, *quiet, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(planOnly bool, dbPath string, quiet bool, requestPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	req, err := readRequest(requestPath, cfg.Policy)
	if err != nil {
		return err
	}

	if planOnly {
		return emitPlan(req)
	}

	bus := events.NewBus()
	defer bus.Close()
	if !quiet {
		go logEvents(bus.SubscribeAll(0))
	}

	// Track subprocesses so a shutdown signal kills the whole tree
	pm := executor.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := pm.KillAll(); err != nil {
			log.Printf("ERROR: killing subprocesses: %v", err)
		}
	}()

	orch := orchestrator.New(orchestrator.Config{
		Executor: executor.NewCommandExecutor(pm),
		Bus:      bus,
	})

	report, err := orch.Run(ctx, req.Tasks, req.Policy)
	if err != nil {
		return err
	}

	if err := saveRun(ctx, cfg, dbPath, report); err != nil {
		// History is best-effort; the report still goes to stdout
		log.Printf("WARNING: failed to save run history: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// readRequest parses the run request from a file or stdin. The policy starts
// from the configured defaults; fields present in the request override them.
func readRequest(path string, defaults config.Policy) (*runRequest, error) {
	var r io.Reader
	if path == "" || path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening request: %w", err)
		}
		defer f.Close()
		r = f
	}

	req := &runRequest{Policy: defaults}
	dec := json.NewDecoder(r)
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}

	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("request contains no tasks")
	}

	return req, nil
}

// emitPlan validates the graph and prints schedule, batches, and the
// effective recovery policy without dispatching anything.
func emitPlan(req *runRequest) error {
	if err := req.Policy.Validate(); err != nil {
		return err
	}

	g, err := scheduler.NewGraph(req.Tasks)
	if err != nil {
		return err
	}

	sched := scheduler.ComputeSchedule(g)
	plan := scheduler.PlanBatches(g, sched, req.Policy.Parallelism)

	out := planOutput{
		Schedule: sched,
		Batches:  plan,
		Recovery: orchestrator.RecoverySummary{
			MaxRetries:     req.Policy.MaxRetries,
			Backoff:        req.Policy.Backoff,
			CircuitBreaker: req.Policy.CircuitBreaker,
			DeadLetter:     req.Policy.DeadLetter,
		},
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// saveRun records the report in the SQLite run history.
func saveRun(ctx context.Context, cfg *config.Config, dbPath string, report *orchestrator.Report) error {
	if dbPath == "" {
		dbPath = cfg.HistoryDB
	}
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".conductor", "history.db")
	}

	// Saving must not be interrupted by run cancellation
	store, err := persistence.NewSQLiteStore(context.WithoutCancel(ctx), dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runID := uuid.NewString()
	if err := store.SaveRun(context.WithoutCancel(ctx), runID, report); err != nil {
		return err
	}

	log.Printf("Run %s recorded (%s)", runID, report.Status)
	return nil
}

// logEvents prints task lifecycle events to the standard logger.
func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.TaskStartedEvent:
			log.Printf("task %s: attempt %d started", e.ID, e.Attempt)
		case events.TaskRetryingEvent:
			log.Printf("task %s: retry %d in %s after: %v", e.ID, e.Attempt, e.Delay, e.Err)
		case events.TaskSucceededEvent:
			log.Printf("task %s: succeeded after %d attempt(s)", e.ID, e.Attempts)
		case events.TaskDeadLetteredEvent:
			log.Printf("task %s: dead-lettered (%s)", e.ID, e.Reason)
		case events.TaskCancelledEvent:
			log.Printf("task %s: cancelled", e.ID)
		case events.BreakerChangedEvent:
			log.Printf("circuit breaker: %s -> %s", e.From, e.To)
		}
	}
}
