package memory

import (
	"sync"
	"time"

	"cachecoord/pkg/metrics"
)

// Collector implements metrics.Collector in memory. It backs the JSON
// stats endpoint and test assertions.
type Collector struct {
	mu sync.RWMutex

	// Per-layer metrics
	layerMetrics map[string]*LayerMetrics

	// Component metrics
	rateLimitAllowed map[string]int64
	rateLimitDenied  map[string]int64
	invalidations    map[string]int64
	invalidatedKeys  map[string]int64
	notifications    map[string]int64
	sessionEvictions int64
	failOpens        map[string]int64
}

// LayerMetrics holds metrics for a single store layer.
type LayerMetrics struct {
	// Operation counts
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`

	// Error types (by error_type label)
	ErrorsByType map[string]int64 `json:"errors_by_type,omitempty"`

	// Circuit breaker
	CircuitState metrics.CircuitState `json:"circuit_state"`
	CircuitOpens int64                `json:"circuit_opens"`

	// Async writer
	QueueDepth    int   `json:"queue_depth"`
	DroppedWrites int64 `json:"dropped_writes"`
	AsyncWrites   int64 `json:"async_writes"`
	AsyncErrors   int64 `json:"async_errors"`

	// Latency totals
	GetLatency    time.Duration `json:"get_latency_total"`
	SetLatency    time.Duration `json:"set_latency_total"`
	DeleteLatency time.Duration `json:"delete_latency_total"`
	AsyncLatency  time.Duration `json:"async_latency_total"`
}

var _ metrics.Collector = (*Collector)(nil)

// NewCollector creates a new in-memory metrics collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.reset()
	return c
}

func (mc *Collector) reset() {
	mc.layerMetrics = make(map[string]*LayerMetrics)
	mc.rateLimitAllowed = make(map[string]int64)
	mc.rateLimitDenied = make(map[string]int64)
	mc.invalidations = make(map[string]int64)
	mc.invalidatedKeys = make(map[string]int64)
	mc.notifications = make(map[string]int64)
	mc.failOpens = make(map[string]int64)
	mc.sessionEvictions = 0
}

// layer returns the LayerMetrics for the given layer, creating it if needed.
// Caller must hold the write lock.
func (mc *Collector) layer(layer string) *LayerMetrics {
	lm, exists := mc.layerMetrics[layer]
	if !exists {
		lm = &LayerMetrics{ErrorsByType: make(map[string]int64)}
		mc.layerMetrics[layer] = lm
	}
	return lm
}

// RecordGet records a store get operation.
func (mc *Collector) RecordGet(layer string, hit bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	if hit {
		lm.Hits++
	} else {
		lm.Misses++
	}
	lm.GetLatency += duration
}

// RecordSet records a store set operation.
func (mc *Collector) RecordSet(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Sets++
	if !success {
		lm.Errors++
	}
	lm.SetLatency += duration
}

// RecordDelete records a store delete operation.
func (mc *Collector) RecordDelete(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Deletes++
	if !success {
		lm.Errors++
	}
	lm.DeleteLatency += duration
}

// RecordError records an error by type.
func (mc *Collector) RecordError(layer, operation, errorType string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.ErrorsByType[errorType]++
}

// RecordCircuitState records the current circuit breaker state.
func (mc *Collector) RecordCircuitState(layer string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	oldState := lm.CircuitState
	lm.CircuitState = state

	// Count transitions to open
	if oldState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		lm.CircuitOpens++
	}
}

// RecordQueueDepth records the current async writer queue depth.
func (mc *Collector) RecordQueueDepth(layer string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layer(layer).QueueDepth = depth
}

// RecordWriteDropped records a dropped async write.
func (mc *Collector) RecordWriteDropped(layer string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layer(layer).DroppedWrites++
}

// RecordAsyncWrite records an async write operation.
func (mc *Collector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.AsyncWrites++
	if !success {
		lm.AsyncErrors++
	}
	lm.AsyncLatency += duration
}

// RecordRateLimit records a rate limit decision for profile.
func (mc *Collector) RecordRateLimit(profile string, allowed bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if allowed {
		mc.rateLimitAllowed[profile]++
	} else {
		mc.rateLimitDenied[profile]++
	}
}

// RecordInvalidation records one invalidation and the number of keys it removed.
func (mc *Collector) RecordInvalidation(strategy string, keys int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.invalidations[strategy]++
	mc.invalidatedKeys[strategy] += int64(keys)
}

// RecordNotification records a notification event of the given kind.
func (mc *Collector) RecordNotification(kind string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.notifications[kind]++
}

// RecordSessionEviction records a session dropped by the per-user cap.
func (mc *Collector) RecordSessionEviction() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.sessionEvictions++
}

// RecordFailOpen records a component serving without the store.
func (mc *Collector) RecordFailOpen(component string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.failOpens[component]++
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Layers           map[string]LayerMetrics `json:"layers"`
	RateLimitAllowed map[string]int64        `json:"rate_limit_allowed"`
	RateLimitDenied  map[string]int64        `json:"rate_limit_denied"`
	Invalidations    map[string]int64        `json:"invalidations"`
	InvalidatedKeys  map[string]int64        `json:"invalidated_keys"`
	Notifications    map[string]int64        `json:"notifications"`
	SessionEvictions int64                   `json:"session_evictions"`
	FailOpens        map[string]int64        `json:"fail_opens"`
}

// Snapshot returns a copy of the current metrics state.
func (mc *Collector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		Layers:           make(map[string]LayerMetrics, len(mc.layerMetrics)),
		RateLimitAllowed: copyCounts(mc.rateLimitAllowed),
		RateLimitDenied:  copyCounts(mc.rateLimitDenied),
		Invalidations:    copyCounts(mc.invalidations),
		InvalidatedKeys:  copyCounts(mc.invalidatedKeys),
		Notifications:    copyCounts(mc.notifications),
		SessionEvictions: mc.sessionEvictions,
		FailOpens:        copyCounts(mc.failOpens),
	}

	for layer, lm := range mc.layerMetrics {
		cp := *lm
		cp.ErrorsByType = copyCounts(lm.ErrorsByType)
		snapshot.Layers[layer] = cp
	}

	return snapshot
}

// Reset clears all collected metrics.
func (mc *Collector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.reset()
}

// GetLayerMetrics returns the metrics for a specific layer.
func (mc *Collector) GetLayerMetrics(layer string) *LayerMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if lm, exists := mc.layerMetrics[layer]; exists {
		cp := *lm
		cp.ErrorsByType = copyCounts(lm.ErrorsByType)
		return &cp
	}
	return nil
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
