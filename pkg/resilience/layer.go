package resilience

import (
	"context"
	"time"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
)

// Store wraps a kv.Store with timeout, retry and circuit breaker
// protection. Every transport failure surfaces as kv.ErrStoreUnavailable.
type Store struct {
	store kv.Store
	g     *guard
}

var _ kv.Store = (*Store)(nil)

// NewStore creates a resilient wrapper around store.
func NewStore(store kv.Store, config Config, collector metrics.Collector, logger *logging.Logger) *Store {
	return &Store{
		store: store,
		g:     newGuard(store.Name(), config, collector, logger, kv.Unavailable),
	}
}

// Unwrap returns the underlying store.
func (rs *Store) Unwrap() kv.Store {
	return rs.store
}

// State returns the current circuit breaker state.
func (rs *Store) State() metrics.CircuitState {
	return rs.g.state()
}

// Name returns the name of the underlying store.
func (rs *Store) Name() string {
	return rs.store.Name()
}

// Get retrieves a value with timeout and circuit breaker protection.
func (rs *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := run(ctx, rs.g, "get", key, func(ctx context.Context) ([]byte, error) {
		return rs.store.Get(ctx, key)
	})
	rs.g.metrics.RecordGet(rs.Name(), err == nil, time.Since(start))
	return v, err
}

func (rs *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	start := time.Now()
	v, err := run(ctx, rs.g, "mget", "", func(ctx context.Context) ([][]byte, error) {
		return rs.store.MGet(ctx, keys...)
	})
	rs.g.metrics.RecordGet(rs.Name(), err == nil, time.Since(start))
	return v, err
}

// Set stores a value with timeout and circuit breaker protection.
func (rs *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	_, err := run(ctx, rs.g, "set", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.Set(ctx, key, value, ttl)
	})
	rs.g.metrics.RecordSet(rs.Name(), err == nil, time.Since(start))
	return err
}

// Delete removes keys with timeout and circuit breaker protection.
func (rs *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	start := time.Now()
	n, err := run(ctx, rs.g, "delete", "", func(ctx context.Context) (int64, error) {
		return rs.store.Delete(ctx, keys...)
	})
	rs.g.metrics.RecordDelete(rs.Name(), err == nil, time.Since(start))
	return n, err
}

func (rs *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	return run(ctx, rs.g, "scan", pattern, func(ctx context.Context) ([]string, error) {
		return rs.store.Scan(ctx, pattern)
	})
}

func (rs *Store) Incr(ctx context.Context, key string) (int64, error) {
	return run(ctx, rs.g, "incr", key, func(ctx context.Context) (int64, error) {
		return rs.store.Incr(ctx, key)
	})
}

func (rs *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := run(ctx, rs.g, "expire", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.Expire(ctx, key, ttl)
	})
	return err
}

func (rs *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return run(ctx, rs.g, "ttl", key, func(ctx context.Context) (time.Duration, error) {
		return rs.store.TTL(ctx, key)
	})
}

func (rs *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := run(ctx, rs.g, "zadd", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.ZAdd(ctx, key, score, member)
	})
	return err
}

func (rs *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return run(ctx, rs.g, "zrange", key, func(ctx context.Context) ([]string, error) {
		return rs.store.ZRange(ctx, key, start, stop)
	})
}

func (rs *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return run(ctx, rs.g, "zrevrange", key, func(ctx context.Context) ([]string, error) {
		return rs.store.ZRevRange(ctx, key, start, stop)
	})
}

func (rs *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	return run(ctx, rs.g, "zrem", key, func(ctx context.Context) (int64, error) {
		return rs.store.ZRem(ctx, key, members...)
	})
}

func (rs *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return run(ctx, rs.g, "zcard", key, func(ctx context.Context) (int64, error) {
		return rs.store.ZCard(ctx, key)
	})
}

func (rs *Store) DBSize(ctx context.Context) (int64, error) {
	return run(ctx, rs.g, "dbsize", "", func(ctx context.Context) (int64, error) {
		return rs.store.DBSize(ctx)
	})
}

func (rs *Store) Info(ctx context.Context, section string) (string, error) {
	return run(ctx, rs.g, "info", "", func(ctx context.Context) (string, error) {
		return rs.store.Info(ctx, section)
	})
}

func (rs *Store) Ping(ctx context.Context) error {
	_, err := run(ctx, rs.g, "ping", "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.Ping(ctx)
	})
	return err
}

// Close closes the underlying store.
func (rs *Store) Close() error {
	return rs.store.Close()
}

// Bus wraps a kv.Bus with the same discipline. Failures surface as
// kv.ErrBusUnavailable.
type Bus struct {
	bus kv.Bus
	g   *guard
}

var _ kv.Bus = (*Bus)(nil)

// NewBus creates a resilient wrapper around bus.
func NewBus(name string, bus kv.Bus, config Config, collector metrics.Collector, logger *logging.Logger) *Bus {
	return &Bus{
		bus: bus,
		g:   newGuard(name, config, collector, logger, kv.BusUnavailable),
	}
}

// State returns the current circuit breaker state.
func (rb *Bus) State() metrics.CircuitState {
	return rb.g.state()
}

func (rb *Bus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return run(ctx, rb.g, "publish", channel, func(ctx context.Context) (int64, error) {
		return rb.bus.Publish(ctx, channel, payload)
	})
}

func (rb *Bus) Subscribe(ctx context.Context, channel string, handler kv.Handler) error {
	_, err := run(ctx, rb.g, "subscribe", channel, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rb.bus.Subscribe(ctx, channel, handler)
	})
	return err
}

func (rb *Bus) Unsubscribe(ctx context.Context, channel string) error {
	return rb.bus.Unsubscribe(ctx, channel)
}

func (rb *Bus) Close() error {
	return rb.bus.Close()
}
