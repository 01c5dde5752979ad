package config

import (
	"fmt"
	"time"
)

// BackoffStrategy selects the delay formula applied between retry attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"       // base
	BackoffLinear      BackoffStrategy = "linear"      // base * attempt
	BackoffExponential BackoffStrategy = "exponential" // base * 2^(attempt-1)
)

// BackoffConfig is the retry delay policy. BaseMs is the base delay in
// milliseconds; the wire contract carries durations as integers.
type BackoffConfig struct {
	Strategy BackoffStrategy `json:"strategy"`
	BaseMs   int64           `json:"baseMs"`
}

// Base returns the base delay as a duration.
func (b BackoffConfig) Base() time.Duration {
	return time.Duration(b.BaseMs) * time.Millisecond
}

// Delay returns the delay before retry attempt k (1-based).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Strategy {
	case BackoffLinear:
		return time.Duration(attempt) * b.Base()
	case BackoffExponential:
		return time.Duration(1<<(attempt-1)) * b.Base()
	default:
		return b.Base()
	}
}

// CircuitBreakerConfig guards the whole run against failure streaks.
type CircuitBreakerConfig struct {
	FailureThreshold int   `json:"failureThreshold"`
	CooldownMs       int64 `json:"cooldownMs"`
}

// Cooldown returns how long the breaker stays open before probing recovery.
func (c CircuitBreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// DeadLetterConfig controls routing of unrecoverable tasks.
type DeadLetterConfig struct {
	Enabled bool   `json:"enabled"`
	Target  string `json:"target,omitempty"`
}

// Policy is the full failure-recovery and concurrency policy for a run.
// It is passed by value into the orchestrator and never mutated.
type Policy struct {
	Parallelism    int                  `json:"parallelism"`
	MaxRetries     int                  `json:"maxRetries"`
	Backoff        BackoffConfig        `json:"backoff"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	DeadLetter     DeadLetterConfig     `json:"deadLetter"`
}

// InvalidPolicyError reports a malformed policy. It is fatal pre-run.
type InvalidPolicyError struct {
	Field  string
	Reason string
}

func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("invalid policy: %s %s", e.Field, e.Reason)
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.Parallelism < 1 {
		return &InvalidPolicyError{Field: "parallelism", Reason: "must be >= 1"}
	}
	if p.MaxRetries < 0 {
		return &InvalidPolicyError{Field: "maxRetries", Reason: "must be >= 0"}
	}
	switch p.Backoff.Strategy {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return &InvalidPolicyError{Field: "backoff.strategy", Reason: fmt.Sprintf("unknown strategy %q", p.Backoff.Strategy)}
	}
	if p.Backoff.BaseMs < 0 {
		return &InvalidPolicyError{Field: "backoff.baseMs", Reason: "must be >= 0"}
	}
	if p.CircuitBreaker.FailureThreshold < 1 {
		return &InvalidPolicyError{Field: "circuitBreaker.failureThreshold", Reason: "must be >= 1"}
	}
	if p.CircuitBreaker.CooldownMs < 0 {
		return &InvalidPolicyError{Field: "circuitBreaker.cooldownMs", Reason: "must be >= 0"}
	}
	return nil
}

// Config is the top-level file configuration: the default policy applied to
// runs that omit fields, plus local settings for the CLI.
type Config struct {
	Policy    Policy `json:"policy"`
	HistoryDB string `json:"historyDb,omitempty"`
}
