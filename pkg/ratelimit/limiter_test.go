package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/kv/memory"
	"cachecoord/pkg/kv/mock"
	metricsmem "cachecoord/pkg/metrics/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, clock *fakeClock, profiles ...Profile) (*Limiter, *memory.Store) {
	t.Helper()
	store := memory.New(memory.Config{Now: clock.Now})
	t.Cleanup(func() { store.Close() })

	var table map[string]Profile
	if len(profiles) > 0 {
		table = make(map[string]Profile, len(profiles))
		for _, p := range profiles {
			table[p.Name] = p
		}
	}
	l, err := New(store, table, clock.Now, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, store
}

func TestCheck_FixedWindowScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newTestLimiter(t, clock, Profile{Name: "api", Window: time.Minute, MaxRequests: 3, Strategy: StrategyIdentity})
	req := Request{Identity: "alice"}

	for i, want := range []int64{2, 1, 0} {
		res, err := l.Check(ctx, "api", req)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !res.Allowed || res.Remaining != want {
			t.Fatalf("call %d: expected allowed with remaining %d, got %+v", i+1, want, res)
		}
	}

	res, err := l.Check(ctx, "api", req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || !res.Blocked || res.RetryAfter <= 0 {
		t.Fatalf("4th call should be rejected with a retry delay, got %+v", res)
	}

	clock.Advance(61 * time.Second)
	res, err = l.Check(ctx, "api", req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("call in the next window: expected allowed with remaining 2, got %+v", res)
	}
}

func TestCheck_BlockOutlastsWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newTestLimiter(t, clock, Profile{
		Name: "login", Window: time.Minute, MaxRequests: 2, BlockDuration: 5 * time.Minute, Strategy: StrategyIP,
	})
	req := Request{IP: "10.0.0.1"}

	for i := 0; i < 2; i++ {
		if res, _ := l.Check(ctx, "login", req); !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	res, _ := l.Check(ctx, "login", req)
	if res.Allowed || !res.Blocked {
		t.Fatalf("3rd call should trigger a block, got %+v", res)
	}
	if res.RetryAfter != 5*time.Minute {
		t.Errorf("expected retry after 5m, got %v", res.RetryAfter)
	}
	blockExpires := res.BlockExpires

	clock.Advance(2 * time.Minute)
	res, _ = l.Check(ctx, "login", req)
	if res.Allowed || !res.Blocked {
		t.Fatalf("blocked identity should stay rejected after the window, got %+v", res)
	}
	if !res.BlockExpires.Equal(blockExpires) {
		t.Errorf("block expiry moved: %v -> %v", blockExpires, res.BlockExpires)
	}
	if res.RetryAfter != 3*time.Minute {
		t.Errorf("expected 3m left, got %v", res.RetryAfter)
	}

	clock.Advance(3*time.Minute + time.Second)
	res, _ = l.Check(ctx, "login", req)
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("counting should resume after the block, got %+v", res)
	}

	other, _ := l.Check(ctx, "login", Request{IP: "10.0.0.2"})
	if !other.Allowed {
		t.Error("a different IP must not share the block")
	}
}

func TestCheck_FailsOpen(t *testing.T) {
	store := mock.NewStore()
	store.FailUnavailable()
	collector := metricsmem.NewCollector()
	l, err := New(store, nil, nil, collector, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := l.Check(context.Background(), ProfileLogin, Request{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("fail-open check returned error: %v", err)
	}
	if !res.Allowed || !res.Degraded || res.Remaining != math.MaxInt64 {
		t.Errorf("expected degraded allow, got %+v", res)
	}
	if n := collector.Snapshot().FailOpens["ratelimit"]; n != 1 {
		t.Errorf("expected 1 fail-open, got %d", n)
	}
}

func TestCheck_UnknownProfile(t *testing.T) {
	l, _ := newTestLimiter(t, newFakeClock())
	if _, err := l.Check(context.Background(), "nope", Request{}); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestCheck_StrategyKeys(t *testing.T) {
	tests := []struct {
		strategy Strategy
		a, b     Request
		shared   bool
	}{
		{StrategyIdentity, Request{Identity: "u1", Endpoint: "/a"}, Request{Identity: "u1", Endpoint: "/b"}, true},
		{StrategyIdentity, Request{Identity: "u1"}, Request{Identity: "u2"}, false},
		{StrategyEndpoint, Request{Identity: "u1", Endpoint: "/a"}, Request{Identity: "u2", Endpoint: "/a"}, true},
		{StrategyIdentityEndpoint, Request{Identity: "u1", Endpoint: "/a"}, Request{Identity: "u1", Endpoint: "/b"}, false},
		{StrategyIP, Request{IP: "1.1.1.1", Identity: "u1"}, Request{IP: "1.1.1.1", Identity: "u2"}, true},
		{StrategyIPEndpoint, Request{IP: "1.1.1.1", Endpoint: "/a"}, Request{IP: "1.1.1.1", Endpoint: "/b"}, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			ctx := context.Background()
			l, _ := newTestLimiter(t, newFakeClock(), Profile{Name: "p", Window: time.Minute, MaxRequests: 1, Strategy: tt.strategy})

			if res, _ := l.Check(ctx, "p", tt.a); !res.Allowed {
				t.Fatal("first request should be allowed")
			}
			res, _ := l.Check(ctx, "p", tt.b)
			if res.Allowed == tt.shared {
				t.Errorf("shared=%v but second request allowed=%v", tt.shared, res.Allowed)
			}
		})
	}
}

func TestCheck_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, newFakeClock(), Profile{Name: "p", Window: time.Minute, MaxRequests: 20, Strategy: StrategyIdentity})
	req := Request{Identity: "burst"}

	if res, _ := l.Check(ctx, "p", req); !res.Allowed {
		t.Fatal("first request should be allowed")
	}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 49; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := l.Check(ctx, "p", req); err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 19 {
		t.Errorf("expected exactly 19 more allowed, got %d", got)
	}
}

func TestGetStatsAndReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := newTestLimiter(t, clock,
		Profile{Name: "auth", Window: time.Minute, MaxRequests: 2, BlockDuration: time.Hour, Strategy: StrategyIdentityEndpoint},
		Profile{Name: "admin", Window: time.Minute, MaxRequests: 5, Strategy: StrategyIdentity},
	)

	for i := 0; i < 3; i++ {
		l.Check(ctx, "auth", Request{Identity: "bob", Endpoint: "/x"})
	}
	l.Check(ctx, "auth", Request{Identity: "bob", Endpoint: "/y"})
	l.Check(ctx, "admin", Request{Identity: "bob"})

	st, err := l.GetStats(ctx, "auth", "bob", "/x")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if st.Count != 3 || st.Remaining != 0 || !st.Blocked {
		t.Errorf("unexpected stats: %+v", st)
	}

	if _, err := l.Reset(ctx, "auth", "bob", "/x"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	st, _ = l.GetStats(ctx, "auth", "bob", "/x")
	if st.Count != 0 || st.Blocked || st.Remaining != 2 {
		t.Errorf("stats after reset: %+v", st)
	}
	if res, _ := l.Check(ctx, "auth", Request{Identity: "bob", Endpoint: "/x"}); !res.Allowed {
		t.Error("request after reset should be allowed")
	}

	// Empty endpoint clears every endpoint of the identity.
	if n, err := l.Reset(ctx, "auth", "bob", ""); err != nil || n == 0 {
		t.Fatalf("endpoint-wide reset: n=%d err=%v", n, err)
	}
	if st, _ := l.GetStats(ctx, "auth", "bob", "/y"); st.Count != 0 {
		t.Errorf("/y should be reset, got %+v", st)
	}

	n, err := l.ResetAll(ctx, "bob")
	if err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected admin count and window keys removed, got %d", n)
	}
	if st, _ := l.GetStats(ctx, "admin", "bob", ""); st.Count != 0 {
		t.Errorf("admin counter should be reset, got %+v", st)
	}

	if _, err := l.ResetAll(ctx, ""); !errors.Is(err, kv.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for empty identity, got %v", err)
	}
}

func TestResultHeaders(t *testing.T) {
	reset := time.Unix(1700000060, 0)

	allowed := Result{Allowed: true, Limit: 10, Remaining: 7, ResetAt: reset}.Headers()
	if allowed.Get("X-RateLimit-Limit") != "10" || allowed.Get("X-RateLimit-Remaining") != "7" {
		t.Errorf("unexpected headers: %v", allowed)
	}
	if allowed.Get("X-RateLimit-Reset") != "1700000060" {
		t.Errorf("unexpected reset header: %q", allowed.Get("X-RateLimit-Reset"))
	}
	if allowed.Get("Retry-After") != "" {
		t.Error("allowed result must not carry Retry-After")
	}

	rejected := Result{Limit: 10, ResetAt: reset, RetryAfter: 1500 * time.Millisecond, Blocked: true}.Headers()
	if rejected.Get("Retry-After") != "2" {
		t.Errorf("expected Retry-After rounded up to 2, got %q", rejected.Get("Retry-After"))
	}

	degraded := Result{Allowed: true, Limit: 10, Remaining: math.MaxInt64, Degraded: true}.Headers()
	if degraded.Get("X-RateLimit-Remaining") != "" {
		t.Error("degraded result should omit remaining")
	}
}

func TestDefaultProfiles(t *testing.T) {
	profiles := DefaultProfiles()
	want := map[string]struct {
		window time.Duration
		max    int64
		block  time.Duration
		strat  Strategy
	}{
		ProfileAnonymous:     {time.Minute, 30, 0, StrategyIPEndpoint},
		ProfileAuthenticated: {time.Minute, 120, 0, StrategyIdentityEndpoint},
		ProfileAdmin:         {time.Minute, 600, 0, StrategyIdentity},
		ProfileLogin:         {15 * time.Minute, 5, 30 * time.Minute, StrategyIP},
		ProfileBulkImport:    {time.Hour, 10, 0, StrategyIdentity},
		ProfileChat:          {time.Minute, 30, time.Minute, StrategyIdentity},
	}
	if len(profiles) != len(want) {
		t.Fatalf("expected %d profiles, got %d", len(want), len(profiles))
	}
	for name, w := range want {
		p, ok := profiles[name]
		if !ok {
			t.Errorf("missing profile %s", name)
			continue
		}
		if p.Window != w.window || p.MaxRequests != w.max || p.BlockDuration != w.block || p.Strategy != w.strat {
			t.Errorf("%s: got %+v", name, p)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestNew_RejectsInvalidProfile(t *testing.T) {
	_, err := New(memory.New(memory.Config{}), map[string]Profile{
		"bad": {Window: time.Minute, MaxRequests: 1, Strategy: "weird"},
	}, nil, nil, nil)
	if !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile, got %v", err)
	}
}
