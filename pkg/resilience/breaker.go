package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
)

const tracerName = "cachecoord/resilience"

// guard holds the breaker, retry policy and instrumentation shared by
// the Store and Bus wrappers.
type guard struct {
	name    string
	config  Config
	cb      *gobreaker.CircuitBreaker
	metrics metrics.Collector
	logger  *logging.Logger
	tracer  trace.Tracer

	// unavailable wraps a final failure into the caller-facing sentinel.
	unavailable func(error) error
}

func newGuard(name string, config Config, collector metrics.Collector, logger *logging.Logger, unavailable func(error) error) *guard {
	g := &guard{
		name:        name,
		config:      config,
		metrics:     metrics.OrNoOp(collector),
		logger:      logging.OrNop(logger).Named("resilience").Named(name),
		tracer:      otel.Tracer(tracerName),
		unavailable: unavailable,
	}

	g.logger.Info("resilient wrapper initialized",
		zap.String("layer", name),
		zap.Duration("timeout", config.Timeout),
		zap.Int("max_retries", config.MaxRetries),
		zap.Duration("retry_max_delay", config.RetryMaxDelay),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		// Misses, bad keys and caller cancellation say nothing about store health.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed",
				zap.String("layer", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			g.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}

	g.cb = gobreaker.NewCircuitBreaker(settings)
	return g
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// isTransient reports whether err is a transport failure worth retrying.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return kv.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}

// run executes fn through the breaker with per-attempt timeout and capped
// retries, wrapped in a span. Misses are returned unchanged.
// singleShot ops change server state on every call; a retry after a lost reply
// could apply them twice.
var singleShot = map[string]bool{"incr": true, "zadd": true, "publish": true}

func run[T any](ctx context.Context, g *guard, op, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := g.tracer.Start(ctx, g.name+"."+op, trace.WithAttributes(
		attribute.String("kv.layer", g.name),
		attribute.String("kv.operation", op),
	))
	defer span.End()

	var zero T
	var lastErr error

	retries := g.config.MaxRetries
	if singleShot[op] {
		retries = 0
	}

	for try := 0; try <= retries; try++ {
		if try > 0 {
			delay := g.config.backoff(try)
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", try)))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := attempt(ctx, g, fn)
		if err == nil {
			return result, nil
		}
		if kv.IsNotFound(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return zero, ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger.Warn("circuit breaker open - request rejected",
				zap.String("operation", op),
				zap.String("key", key),
			)
			g.metrics.RecordError(g.name, op, "circuit_breaker_open")
			span.SetStatus(codes.Error, "circuit open")
			return zero, g.unavailable(kv.ErrCircuitOpen)
		}
		if !isTransient(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return zero, err
		}
		lastErr = err
	}

	g.logger.Error("operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Int("attempts", retries+1),
		zap.Error(lastErr),
	)
	g.metrics.RecordError(g.name, op, kv.ClassifyError(lastErr))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return zero, g.unavailable(lastErr)
}

// attempt runs fn once under the breaker with the configured timeout.
func attempt[T any](ctx context.Context, g *guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	var result T
	_, err := g.cb.Execute(func() (interface{}, error) {
		var err error
		result, err = fn(ctx)
		return nil, err
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, gobreaker.ErrOpenState) {
		return result, fmt.Errorf("%w: %v", kv.ErrTimeout, err)
	}
	return result, err
}

func (g *guard) state() metrics.CircuitState {
	return toCircuitState(g.cb.State())
}
