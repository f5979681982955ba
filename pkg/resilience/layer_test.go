package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/kv/mock"
	metricsmem "cachecoord/pkg/metrics/memory"
)

func testConfig() Config {
	return Config{
		Timeout:        time.Second,
		MaxRetries:     0,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    0,
			Timeout:     100 * time.Millisecond,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		},
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	backing := mock.NewStore()
	rs := NewStore(backing, DefaultConfig(), nil, nil)
	defer rs.Close()

	ctx := context.Background()

	if err := rs.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := rs.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Errorf("Expected 'value1', got '%s'", val)
	}

	n, err := rs.Delete(ctx, "key1")
	if err != nil || n != 1 {
		t.Fatalf("Delete failed: %d %v", n, err)
	}

	if _, err := rs.Get(ctx, "key1"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestStore_MissDoesNotTripCircuit(t *testing.T) {
	backing := mock.NewStore()
	rs := NewStore(backing, testConfig(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := rs.Get(ctx, "nonexistent-key")
		if !kv.IsNotFound(err) {
			t.Fatalf("Expected ErrKeyNotFound, got: %v", err)
		}
	}

	if backing.GetCalls() != 50 {
		t.Errorf("Expected misses not to be retried, got %d calls", backing.GetCalls())
	}

	if err := rs.Set(ctx, "key1", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set failed after misses: %v", err)
	}
}

func TestStore_RetriesTransientFailures(t *testing.T) {
	backing := mock.NewStore()
	var calls int32
	backing.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, mock.ErrInjected
		}
		return []byte("ok"), nil
	}

	config := testConfig()
	config.MaxRetries = 3
	rs := NewStore(backing, config, nil, nil)

	v, err := rs.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if string(v) != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts and value ok, got %d and %q", calls, v)
	}
}

func TestStore_IncrIsNotRetried(t *testing.T) {
	backing := mock.NewStore()
	backing.FailUnavailable()

	config := testConfig()
	config.MaxRetries = 3
	config.CircuitBreakerConfig.ReadyToTrip = func(Counts) bool { return false }
	rs := NewStore(backing, config, nil, nil)

	if _, err := rs.Incr(context.Background(), "counter"); !errors.Is(err, kv.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
	if backing.IncrCalls() != 1 {
		t.Errorf("Expected a single Incr attempt, got %d", backing.IncrCalls())
	}

	if _, err := rs.Get(context.Background(), "k"); !errors.Is(err, kv.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
	if backing.GetCalls() != 4 {
		t.Errorf("Expected Get to be retried 3 times, got %d calls", backing.GetCalls())
	}
}

func TestStore_ExhaustedRetriesAreUnavailable(t *testing.T) {
	backing := mock.NewStore()
	backing.FailUnavailable()

	config := testConfig()
	config.MaxRetries = 2
	rs := NewStore(backing, config, nil, nil)

	_, err := rs.Get(context.Background(), "k")
	if !errors.Is(err, kv.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
	if backing.GetCalls() != 3 {
		t.Errorf("Expected 3 attempts, got %d", backing.GetCalls())
	}
}

func TestStore_Timeout(t *testing.T) {
	backing := mock.NewStore()
	backing.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return []byte("value"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	config := testConfig()
	config.Timeout = 20 * time.Millisecond
	rs := NewStore(backing, config, nil, nil)

	_, err := rs.Get(context.Background(), "key1")
	if !errors.Is(err, kv.ErrTimeout) {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if !errors.Is(err, kv.ErrStoreUnavailable) {
		t.Errorf("Expected timeout to be an unavailability, got %v", err)
	}
}

func TestStore_CircuitBreaker(t *testing.T) {
	backing := mock.NewStore()
	backing.FailUnavailable()
	collector := metricsmem.NewCollector()

	rs := NewStore(backing, testConfig(), collector, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rs.Get(ctx, "key1")
		if err == nil {
			t.Errorf("Call %d should have failed", i)
		}
		if kv.IsCircuitOpen(err) {
			t.Errorf("Circuit should not be open yet on call %d", i)
		}
	}

	_, err := rs.Get(ctx, "key1")
	if !kv.IsCircuitOpen(err) {
		t.Errorf("Expected circuit open error, got %v", err)
	}
	if rs.State().String() != "open" {
		t.Errorf("Expected open state, got %s", rs.State())
	}
	if lm := collector.GetLayerMetrics("mock"); lm == nil || lm.CircuitOpens != 1 {
		t.Errorf("Expected one recorded circuit open, got %+v", lm)
	}

	// Recover the backend and wait for half-open.
	backing.Recover()
	time.Sleep(150 * time.Millisecond)

	if err := rs.Ping(ctx); err != nil {
		t.Errorf("Expected half-open request to succeed, got %v", err)
	}
	if rs.State().String() != "closed" {
		t.Errorf("Expected closed state after recovery, got %s", rs.State())
	}
}

func TestStore_ContextCancellation(t *testing.T) {
	backing := mock.NewStore()
	rs := NewStore(backing, DefaultConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rs.Get(ctx, "key1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if backing.GetCalls() != 1 {
		t.Errorf("Expected no retries after cancellation, got %d calls", backing.GetCalls())
	}
}

func TestBus_PublishFailureIsBusUnavailable(t *testing.T) {
	bus := mock.NewBus()
	bus.Fail(mock.ErrInjected)

	rb := NewBus("bus", bus, testConfig(), nil, nil)

	_, err := rb.Publish(context.Background(), "ch", []byte("x"))
	if !errors.Is(err, kv.ErrBusUnavailable) {
		t.Errorf("Expected ErrBusUnavailable, got %v", err)
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := mock.NewBus()
	rb := NewBus("bus", bus, testConfig(), nil, nil)
	ctx := context.Background()

	var got string
	if err := rb.Subscribe(ctx, "ch", func(channel string, payload []byte) {
		got = string(payload)
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	n, err := rb.Publish(ctx, "ch", []byte("hello"))
	if err != nil || n != 1 {
		t.Fatalf("Publish failed: %d %v", n, err)
	}
	if got != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}
}
