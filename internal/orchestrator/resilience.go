package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/scheduler"
)

// Dead-letter reasons.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonCircuitOpen      = "circuit_open"
)

// CircuitBreakerOpenError reports that a task was rejected because the
// run-level circuit breaker is open.
type CircuitBreakerOpenError struct {
	TaskID string
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("task %q rejected: circuit breaker open", e.TaskID)
}

// policyBackOff adapts the policy's backoff formula to the backoff.BackOff
// interface. Delay before retry attempt k: fixed = base, linear = base*k,
// exponential = base*2^(k-1). Stops after MaxRetries retries.
type policyBackOff struct {
	cfg     config.BackoffConfig
	max     int
	retries int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.retries >= b.max {
		return backoff.Stop
	}
	b.retries++
	return b.cfg.Delay(b.retries)
}

func (b *policyBackOff) Reset() {
	b.retries = 0
}

// recoveryEngine applies the run's failure-recovery policy: per-task retries
// with the configured backoff, guarded by a single run-level circuit breaker.
type recoveryEngine struct {
	policy  config.Policy
	breaker *gobreaker.CircuitBreaker
	bus     *events.Bus
}

func newRecoveryEngine(policy config.Policy, bus *events.Bus) *recoveryEngine {
	e := &recoveryEngine{policy: policy, bus: bus}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "run",
		MaxRequests: 1, // Half-open admits exactly one trial task
		Interval:    0, // Never clear the consecutive-failure count
		Timeout:     policy.CircuitBreaker.Cooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(policy.CircuitBreaker.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
			bus.Publish(events.TopicRun, events.BreakerChangedEvent{
				From:      from.String(),
				To:        to.String(),
				Timestamp: time.Now(),
			})
		},
		IsSuccessful: func(err error) bool {
			// Don't count run cancellation as a task failure
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	return e
}

// open reports whether the breaker currently rejects all dispatch.
func (e *recoveryEngine) open() bool {
	return e.breaker.State() == gobreaker.StateOpen
}

// execute runs a task through the breaker with policy-driven retries.
//
// onAttempt fires before each execution attempt (1-based); onRetry fires when
// a failed attempt is scheduled for retry, with the retry attempt number and
// its delay. The returned attempt count is the number of executions actually
// performed. A nil error means the task succeeded and passed its gate.
func (e *recoveryEngine) execute(
	ctx context.Context,
	task scheduler.Task,
	exec executor.TaskExecutor,
	gate executor.QualityGate,
	onAttempt func(attempt int),
	onRetry func(attempt int, delay time.Duration, err error),
) (executor.Result, int, error) {
	var result executor.Result
	attempts := 0

	operation := func() error {
		// Fail fast if the run was cancelled
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempts++
		if onAttempt != nil {
			onAttempt(attempts)
		}

		out, err := e.breaker.Execute(func() (interface{}, error) {
			res, execErr := exec.Execute(ctx, task)
			if execErr != nil {
				if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
					return nil, execErr
				}
				return nil, &executor.TaskExecutionError{TaskID: task.ID, Err: execErr}
			}

			// A gate failure is indistinguishable from an execution failure
			if gate != nil {
				if gateErr := gate.Validate(task, res); gateErr != nil {
					return nil, &executor.QualityGateFailure{TaskID: task.ID, Gate: task.QualityGate, Err: gateErr}
				}
			}

			return res, nil
		})

		if err != nil {
			// Breaker rejected the call: dead-letter without retrying
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&CircuitBreakerOpenError{TaskID: task.ID})
			}

			// Cancelled mid-execution: stop retrying
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		result = out.(executor.Result)
		return nil
	}

	notify := func(err error, delay time.Duration) {
		if onRetry != nil {
			// The upcoming retry is the attempts-th retry
			onRetry(attempts, delay, err)
		}
	}

	bo := &policyBackOff{cfg: e.policy.Backoff, max: e.policy.MaxRetries}
	err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify)
	return result, attempts, err
}
