// Package writer persists cache entries in the background so that read
// paths never wait on the shared store.
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
)

// AsyncWriter applies kv.Store.Set calls from a bounded queue with a
// worker pool. Writes for the same key keep their enqueue order only when
// Workers is 1.
type AsyncWriter struct {
	store      kv.Store
	queue      chan writeOp
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
	config     Config
	metrics    metrics.Collector
	logger     *logging.Logger
	storeName  string

	droppedWrites int64
	totalWrites   int64
	failedWrites  int64
	pending       int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

type writeOp struct {
	key   string
	value []byte
	ttl   time.Duration
}

// Config configures the async writer.
type Config struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is how long Write blocks on a full queue before dropping
	// (default: 10ms).
	MaxWaitTime time.Duration

	// WriteTimeout bounds each store write (default: 2s).
	WriteTimeout time.Duration

	// MetricsInterval is the queue depth reporting period (default: 5s).
	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxWaitTime == 0 {
		c.MaxWaitTime = 10 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	return c
}

// New creates a writer over store. It starts processing immediately and
// must be closed with Close.
func New(store kv.Store, config Config, collector metrics.Collector, logger *logging.Logger) *AsyncWriter {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		store:         store,
		queue:         make(chan writeOp, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metrics.OrNoOp(collector),
		logger:        logging.OrNop(logger).Named("writer"),
		storeName:     store.Name(),
		metricsTicker: time.NewTicker(config.MetricsInterval),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	go w.reportMetrics()

	return w
}

// Write enqueues a store write. If the queue is full it waits up to
// MaxWaitTime and then returns ErrQueueFull.
func (w *AsyncWriter) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	select {
	case <-w.ctx.Done():
		return ErrWriterClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	op := writeOp{key: key, value: value, ttl: ttl}
	atomic.AddInt64(&w.pending, 1)

	select {
	case w.queue <- op:
		atomic.AddInt64(&w.totalWrites, 1)
		return nil
	default:
	}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case w.queue <- op:
		atomic.AddInt64(&w.totalWrites, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&w.pending, -1)
		atomic.AddInt64(&w.droppedWrites, 1)
		w.metrics.RecordWriteDropped(w.storeName)
		w.logger.Warn("write dropped, queue full", zap.String("key", key))
		return ErrQueueFull
	case <-ctx.Done():
		atomic.AddInt64(&w.pending, -1)
		return ctx.Err()
	case <-w.ctx.Done():
		atomic.AddInt64(&w.pending, -1)
		return ErrWriterClosed
	}
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-w.ctx.Done():
			// Drain what is already queued.
			for {
				select {
				case op := <-w.queue:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) apply(op writeOp) {
	defer atomic.AddInt64(&w.pending, -1)

	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := w.store.Set(ctx, op.key, op.value, op.ttl)
	w.metrics.RecordAsyncWrite(w.storeName, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&w.failedWrites, 1)
		w.logger.Warn("async write failed", zap.String("key", op.key), zap.Error(err))
	}
}

// Flush waits until every accepted write has been applied, or the timeout
// elapses.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if atomic.LoadInt64(&w.pending) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting writes, drains the queue and waits for workers.
func (w *AsyncWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.metricsStop)
		w.metricsTicker.Stop()
		w.cancelFunc()
		w.wg.Wait()
	})
	return nil
}

func (w *AsyncWriter) reportMetrics() {
	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth(w.storeName, len(w.queue))
		case <-w.metricsStop:
			return
		}
	}
}

// Stats returns current writer statistics.
func (w *AsyncWriter) Stats() Stats {
	return Stats{
		QueueDepth:    len(w.queue),
		DroppedWrites: atomic.LoadInt64(&w.droppedWrites),
		TotalWrites:   atomic.LoadInt64(&w.totalWrites),
		FailedWrites:  atomic.LoadInt64(&w.failedWrites),
	}
}
