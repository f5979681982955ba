package resilience

import (
	"time"
)

// Config configures resilience features for a store or bus.
type Config struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// MaxRetries is the number of extra attempts for transient failures.
	MaxRetries int

	// RetryBaseDelay is multiplied by the attempt number to get the backoff.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears.
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If ReadyToTrip returns true, the CircuitBreaker will be placed into the open state.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultConfig returns the defaults used when nothing is configured:
// 2s per attempt, 3 retries with 50ms*attempt backoff capped at 2s.
func DefaultConfig() Config {
	return Config{
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 50 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithRetries returns a copy of the config with the specified retry policy.
func (c Config) WithRetries(maxRetries int, maxDelay time.Duration) Config {
	c.MaxRetries = maxRetries
	c.RetryMaxDelay = maxDelay
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c Config) WithCircuitBreakerTimeout(timeout time.Duration) Config {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}

// backoff returns min(attempt*RetryBaseDelay, RetryMaxDelay).
func (c Config) backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * c.RetryBaseDelay
	if c.RetryMaxDelay > 0 && d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}
