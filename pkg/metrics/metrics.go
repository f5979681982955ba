package metrics

import (
	"time"
)

// Collector defines the interface for collecting coordination-layer metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory, etc.).
type Collector interface {
	// Store operations
	RecordGet(layer string, hit bool, duration time.Duration)
	RecordSet(layer string, success bool, duration time.Duration)
	RecordDelete(layer string, success bool, duration time.Duration)
	RecordError(layer, operation, errorType string)

	// Circuit breaker
	RecordCircuitState(layer string, state CircuitState)

	// Async writer
	RecordQueueDepth(layer string, depth int)
	RecordWriteDropped(layer string)
	RecordAsyncWrite(layer string, success bool, duration time.Duration)

	// Components
	RecordRateLimit(profile string, allowed bool)
	RecordInvalidation(strategy string, keys int)
	RecordNotification(kind string)
	RecordSessionEviction()
	RecordFailOpen(component string)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}

// NoOpCollector is a no-op implementation of Collector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordGet(layer string, hit bool, duration time.Duration)            {}
func (NoOpCollector) RecordSet(layer string, success bool, duration time.Duration)        {}
func (NoOpCollector) RecordDelete(layer string, success bool, duration time.Duration)     {}
func (NoOpCollector) RecordError(layer, operation, errorType string)                      {}
func (NoOpCollector) RecordCircuitState(layer string, state CircuitState)                 {}
func (NoOpCollector) RecordQueueDepth(layer string, depth int)                            {}
func (NoOpCollector) RecordWriteDropped(layer string)                                     {}
func (NoOpCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordRateLimit(profile string, allowed bool)                        {}
func (NoOpCollector) RecordInvalidation(strategy string, keys int)                        {}
func (NoOpCollector) RecordNotification(kind string)                                      {}
func (NoOpCollector) RecordSessionEviction()                                              {}
func (NoOpCollector) RecordFailOpen(component string)                                     {}
