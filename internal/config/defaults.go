package config

// DefaultPolicy returns the documented default run policy.
// Every default is explicit here; nothing is read from the environment.
func DefaultPolicy() Policy {
	return Policy{
		Parallelism: 4,
		MaxRetries:  3,
		Backoff: BackoffConfig{
			Strategy: BackoffExponential,
			BaseMs:   100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			CooldownMs:       30_000,
		},
		DeadLetter: DeadLetterConfig{
			Enabled: true,
		},
	}
}

// DefaultConfig returns the default top-level configuration.
func DefaultConfig() *Config {
	return &Config{
		Policy: DefaultPolicy(),
	}
}
