// Package mock provides kv.Store and kv.Bus doubles for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/kv/memory"
)

// ErrInjected is the default failure returned by a failing Store or Bus.
var ErrInjected = kv.Unavailable(errors.New("mock: injected failure"))

// Store is a mock implementation of kv.Store.
// Unset hooks fall through to an in-memory store, so it behaves like a real
// backend until a hook or Fail overrides it. Call counts are tracked.
type Store struct {
	// Function hooks - set these to customize behavior
	GetFunc  func(ctx context.Context, key string) ([]byte, error)
	SetFunc  func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	ScanFunc func(ctx context.Context, pattern string) ([]string, error)
	IncrFunc func(ctx context.Context, key string) (int64, error)
	PingFunc func(ctx context.Context) error

	backing *memory.Store

	mu      sync.RWMutex
	failErr error

	// Call tracking (must use atomic operations for race-free access)
	getCalls    int64
	setCalls    int64
	deleteCalls int64
	scanCalls   int64
	incrCalls   int64
}

var _ kv.Store = (*Store)(nil)

// NewStore creates a mock store backed by a fresh in-memory store.
func NewStore() *Store {
	return &Store{backing: memory.New(memory.Config{Name: "mock"})}
}

// NewStoreWithClock is NewStore with a controllable clock.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{backing: memory.New(memory.Config{Name: "mock", Now: now})}
}

// Fail makes every subsequent call return err. A nil err restores normal behavior.
func (m *Store) Fail(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// FailUnavailable makes every call return ErrInjected.
func (m *Store) FailUnavailable() {
	m.Fail(ErrInjected)
}

// Recover clears an injected failure.
func (m *Store) Recover() {
	m.Fail(nil)
}

func (m *Store) failure() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failErr
}

// Backing exposes the in-memory store underneath the hooks.
func (m *Store) Backing() *memory.Store {
	return m.backing
}

func (m *Store) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if err := m.failure(); err != nil {
		return nil, err
	}
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return m.backing.Get(ctx, key)
}

func (m *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if err := m.failure(); err != nil {
		return nil, err
	}
	if m.GetFunc != nil {
		out := make([][]byte, len(keys))
		for i, k := range keys {
			v, err := m.GetFunc(ctx, k)
			if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return m.backing.MGet(ctx, keys...)
}

func (m *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	atomic.AddInt64(&m.setCalls, 1)
	if err := m.failure(); err != nil {
		return err
	}
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return m.backing.Set(ctx, key, value, ttl)
}

func (m *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	atomic.AddInt64(&m.deleteCalls, 1)
	if err := m.failure(); err != nil {
		return 0, err
	}
	return m.backing.Delete(ctx, keys...)
}

func (m *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	atomic.AddInt64(&m.scanCalls, 1)
	if err := m.failure(); err != nil {
		return nil, err
	}
	if m.ScanFunc != nil {
		return m.ScanFunc(ctx, pattern)
	}
	return m.backing.Scan(ctx, pattern)
}

func (m *Store) Incr(ctx context.Context, key string) (int64, error) {
	atomic.AddInt64(&m.incrCalls, 1)
	if err := m.failure(); err != nil {
		return 0, err
	}
	if m.IncrFunc != nil {
		return m.IncrFunc(ctx, key)
	}
	return m.backing.Incr(ctx, key)
}

func (m *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.failure(); err != nil {
		return err
	}
	return m.backing.Expire(ctx, key, ttl)
}

func (m *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := m.failure(); err != nil {
		return 0, err
	}
	return m.backing.TTL(ctx, key)
}

func (m *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := m.failure(); err != nil {
		return err
	}
	return m.backing.ZAdd(ctx, key, score, member)
}

func (m *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	return m.backing.ZRange(ctx, key, start, stop)
}

func (m *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	return m.backing.ZRevRange(ctx, key, start, stop)
}

func (m *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if err := m.failure(); err != nil {
		return 0, err
	}
	return m.backing.ZRem(ctx, key, members...)
}

func (m *Store) ZCard(ctx context.Context, key string) (int64, error) {
	if err := m.failure(); err != nil {
		return 0, err
	}
	return m.backing.ZCard(ctx, key)
}

func (m *Store) DBSize(ctx context.Context) (int64, error) {
	if err := m.failure(); err != nil {
		return 0, err
	}
	return m.backing.DBSize(ctx)
}

func (m *Store) Info(ctx context.Context, section string) (string, error) {
	if err := m.failure(); err != nil {
		return "", err
	}
	return m.backing.Info(ctx, section)
}

func (m *Store) Ping(ctx context.Context) error {
	if err := m.failure(); err != nil {
		return err
	}
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *Store) Name() string {
	return "mock"
}

func (m *Store) Close() error {
	return m.backing.Close()
}

// GetCalls returns the number of Get and MGet calls (thread-safe).
func (m *Store) GetCalls() int {
	return int(atomic.LoadInt64(&m.getCalls))
}

// SetCalls returns the number of Set calls (thread-safe).
func (m *Store) SetCalls() int {
	return int(atomic.LoadInt64(&m.setCalls))
}

// DeleteCalls returns the number of Delete calls (thread-safe).
func (m *Store) DeleteCalls() int {
	return int(atomic.LoadInt64(&m.deleteCalls))
}

// ScanCalls returns the number of Scan calls (thread-safe).
func (m *Store) ScanCalls() int {
	return int(atomic.LoadInt64(&m.scanCalls))
}

// IncrCalls returns the number of Incr calls (thread-safe).
func (m *Store) IncrCalls() int {
	return int(atomic.LoadInt64(&m.incrCalls))
}

// Bus wraps an in-memory bus and records published messages.
type Bus struct {
	*memory.Bus

	// PublishFunc overrides Publish when set.
	PublishFunc func(ctx context.Context, channel string, payload []byte) (int64, error)

	mu        sync.Mutex
	published []Message
	failErr   error
}

// Message is a recorded publish.
type Message struct {
	Channel string
	Payload []byte
}

var _ kv.Bus = (*Bus)(nil)

// NewBus creates a recording bus on a private hub.
func NewBus() *Bus {
	return &Bus{Bus: memory.NewBus()}
}

// NewBusOn creates a recording bus attached to hub.
func NewBusOn(hub *memory.Hub) *Bus {
	return &Bus{Bus: hub.Connect()}
}

// Fail makes Publish and Subscribe return err. A nil err restores them.
func (b *Bus) Fail(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	b.mu.Lock()
	failErr := b.failErr
	if failErr == nil {
		b.published = append(b.published, Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
	b.mu.Unlock()

	if failErr != nil {
		return 0, failErr
	}
	if b.PublishFunc != nil {
		return b.PublishFunc(ctx, channel, payload)
	}
	return b.Bus.Publish(ctx, channel, payload)
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler kv.Handler) error {
	b.mu.Lock()
	failErr := b.failErr
	b.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	return b.Bus.Subscribe(ctx, channel, handler)
}

// Published returns a copy of every recorded message.
func (b *Bus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedOn returns recorded messages for channel.
func (b *Bus) PublishedOn(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range b.published {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}
