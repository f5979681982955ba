package prometheus

import (
	"time"

	"cachecoord/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements metrics.Collector for Prometheus.
type Collector struct {
	namespace string

	// Counters
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheSets    *prometheus.CounterVec
	cacheDeletes *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Async writer
	queueDepth    *prometheus.GaugeVec
	droppedWrites *prometheus.CounterVec
	asyncWrites   *prometheus.CounterVec
	asyncErrors   *prometheus.CounterVec

	// Histograms
	getLatency    *prometheus.HistogramVec
	setLatency    *prometheus.HistogramVec
	deleteLatency *prometheus.HistogramVec
	asyncLatency  *prometheus.HistogramVec

	// Components
	rateLimitDecisions *prometheus.CounterVec
	invalidations      *prometheus.CounterVec
	invalidatedKeys    *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	sessionEvictions   prometheus.Counter
	failOpens          *prometheus.CounterVec
}

var _ metrics.Collector = (*Collector)(nil)

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	pc := &Collector{
		namespace: namespace,
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of store hits per layer",
			},
			[]string{"layer"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of store misses per layer",
			},
			[]string{"layer"},
		),
		cacheSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_sets_total",
				Help:      "Total number of cache set operations per layer",
			},
			[]string{"layer"},
		),
		cacheDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_deletes_total",
				Help:      "Total number of cache delete operations per layer",
			},
			[]string{"layer"},
		),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Total number of cache errors per layer and operation",
			},
			[]string{"layer", "operation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per layer",
			},
			[]string{"layer"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per layer (0=closed, 1=open, 2=half-open)",
			},
			[]string{"layer"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current async writer queue depth per layer",
			},
			[]string{"layer"},
		),
		droppedWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_writes_total",
				Help:      "Total number of dropped async writes per layer",
			},
			[]string{"layer"},
		),
		asyncWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_writes_total",
				Help:      "Total number of async writes per layer",
			},
			[]string{"layer", "status"},
		),
		asyncErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_errors_total",
				Help:      "Total number of async write errors per layer",
			},
			[]string{"layer"},
		),
		getLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "get_duration_seconds",
				Help:      "Cache get operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
			},
			[]string{"layer"},
		),
		setLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "set_duration_seconds",
				Help:      "Cache set operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"layer"},
		),
		deleteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delete_duration_seconds",
				Help:      "Cache delete operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"layer"},
		),
		asyncLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "async_write_duration_seconds",
				Help:      "Async write operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"layer"},
		),
		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions per profile and outcome",
			},
			[]string{"profile", "decision"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidations_total",
				Help:      "Invalidation operations per strategy",
			},
			[]string{"strategy"},
		),
		invalidatedKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidated_keys_total",
				Help:      "Keys removed by invalidation per strategy",
			},
			[]string{"strategy"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification events per kind",
			},
			[]string{"kind"},
		),
		sessionEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_evictions_total",
				Help:      "Sessions removed by the per-user session cap",
			},
		),
		failOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fail_open_total",
				Help:      "Requests served without the store per component",
			},
			[]string{"component"},
		),
	}

	return pc
}

// Register registers all metrics with the given Prometheus registry.
func (pc *Collector) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		pc.cacheHits,
		pc.cacheMisses,
		pc.cacheSets,
		pc.cacheDeletes,
		pc.cacheErrors,
		pc.circuitOpens,
		pc.circuitState,
		pc.queueDepth,
		pc.droppedWrites,
		pc.asyncWrites,
		pc.asyncErrors,
		pc.getLatency,
		pc.setLatency,
		pc.deleteLatency,
		pc.asyncLatency,
		pc.rateLimitDecisions,
		pc.invalidations,
		pc.invalidatedKeys,
		pc.notifications,
		pc.sessionEvictions,
		pc.failOpens,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordGet records a cache get operation.
func (pc *Collector) RecordGet(layer string, hit bool, duration time.Duration) {
	if hit {
		pc.cacheHits.WithLabelValues(layer).Inc()
	} else {
		pc.cacheMisses.WithLabelValues(layer).Inc()
	}
	pc.getLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordSet records a cache set operation.
func (pc *Collector) RecordSet(layer string, success bool, duration time.Duration) {
	pc.cacheSets.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "set").Inc()
	}
	pc.setLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordDelete records a cache delete operation.
func (pc *Collector) RecordDelete(layer string, success bool, duration time.Duration) {
	pc.cacheDeletes.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "delete").Inc()
	}
	pc.deleteLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (pc *Collector) RecordCircuitState(layer string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(layer).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(layer).Inc()
	}
}

// RecordQueueDepth records the current async writer queue depth.
func (pc *Collector) RecordQueueDepth(layer string, depth int) {
	pc.queueDepth.WithLabelValues(layer).Set(float64(depth))
}

// RecordWriteDropped records a dropped async write.
func (pc *Collector) RecordWriteDropped(layer string) {
	pc.droppedWrites.WithLabelValues(layer).Inc()
}

// RecordAsyncWrite records an async write operation.
func (pc *Collector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
		pc.asyncErrors.WithLabelValues(layer).Inc()
	}
	pc.asyncWrites.WithLabelValues(layer, status).Inc()
	pc.asyncLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordError records an error by type.
func (pc *Collector) RecordError(layer, operation, errorType string) {
	pc.cacheErrors.WithLabelValues(layer, operation+":"+errorType).Inc()
}

// RecordRateLimit records a rate limit decision.
func (pc *Collector) RecordRateLimit(profile string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	pc.rateLimitDecisions.WithLabelValues(profile, decision).Inc()
}

// RecordInvalidation records an invalidation and its key count.
func (pc *Collector) RecordInvalidation(strategy string, keys int) {
	pc.invalidations.WithLabelValues(strategy).Inc()
	pc.invalidatedKeys.WithLabelValues(strategy).Add(float64(keys))
}

// RecordNotification records a notification event.
func (pc *Collector) RecordNotification(kind string) {
	pc.notifications.WithLabelValues(kind).Inc()
}

// RecordSessionEviction records a capped-out session.
func (pc *Collector) RecordSessionEviction() {
	pc.sessionEvictions.Inc()
}

// RecordFailOpen records a request served without the store.
func (pc *Collector) RecordFailOpen(component string) {
	pc.failOpens.WithLabelValues(component).Inc()
}
