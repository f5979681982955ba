package resilience

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", config.Timeout)
	}

	if config.MaxRetries != 3 {
		t.Errorf("Expected 3 retries, got %d", config.MaxRetries)
	}

	if config.CircuitBreakerConfig.MaxRequests != 1 {
		t.Errorf("Expected MaxRequests 1, got %d", config.CircuitBreakerConfig.MaxRequests)
	}

	if config.CircuitBreakerConfig.ReadyToTrip == nil {
		t.Fatal("Expected ReadyToTrip function to be set")
	}

	if config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 4}) {
		t.Error("Should not trip with 4 failures")
	}

	if !config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 5}) {
		t.Error("Should trip with 5 failures")
	}
}

func TestConfig_WithHelpersCopy(t *testing.T) {
	config := DefaultConfig()
	newConfig := config.WithTimeout(500*time.Millisecond).
		WithRetries(1, time.Second).
		WithCircuitBreakerTimeout(20 * time.Second)

	if newConfig.Timeout != 500*time.Millisecond || newConfig.MaxRetries != 1 ||
		newConfig.RetryMaxDelay != time.Second || newConfig.CircuitBreakerConfig.Timeout != 20*time.Second {
		t.Errorf("Unexpected config: %+v", newConfig)
	}

	// Verify original is unchanged
	if config.Timeout != 2*time.Second || config.CircuitBreakerConfig.Timeout != 10*time.Second {
		t.Errorf("Original config changed: %+v", config)
	}
}

func TestConfig_Backoff(t *testing.T) {
	config := Config{RetryBaseDelay: 50 * time.Millisecond, RetryMaxDelay: 120 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 120 * time.Millisecond},
		{10, 120 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := config.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
