package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"cachecoord/pkg/app"
	"cachecoord/pkg/config"
	"cachecoord/pkg/kv"
	"cachecoord/pkg/kv/memory"
	"cachecoord/pkg/ratelimit"
)

// sharedStore survives App.Close so state carries across invocations.
type sharedStore struct{ kv.Store }

func (sharedStore) Close() error { return nil }

type harness struct {
	store *memory.Store
	opens int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := memory.New(memory.Config{})
	t.Cleanup(func() { s.Close() })
	return &harness{store: s}
}

func (h *harness) open(ctx context.Context) (*app.App, error) {
	h.opens++
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	return app.New(ctx, cfg, nil, app.WithBackend(sharedStore{h.store}, nil))
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cli := New(h.open)
	cli.SetArgs(args)
	cli.SetOutput(&out, &errOut)
	err := cli.Execute(context.Background())
	return out.String(), err
}

func TestVersion_DoesNotOpenBackend(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "cachecoord version "+Version) {
		t.Errorf("unexpected output %q", out)
	}
	if h.opens != 0 {
		t.Errorf("version opened the backend %d times", h.opens)
	}
}

func TestRateLimitResetAndStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Limiter.Check(ctx, ratelimit.ProfileLogin, ratelimit.Request{IP: "10.0.0.9"}); err != nil {
			t.Fatal(err)
		}
	}
	a.Close()

	out, err := h.run(t, "ratelimit", "status", "login", "10.0.0.9")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var st ratelimit.Stats
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if st.Count != 3 || st.Remaining != 2 {
		t.Errorf("stats = %+v", st)
	}

	out, err = h.run(t, "ratelimit", "reset", "10.0.0.9", "--profile", "login")
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if out != "deleted 2 keys\n" {
		t.Errorf("reset output %q", out)
	}

	if _, err := h.run(t, "ratelimit", "reset", "10.0.0.9", "-p", "missing"); !errors.Is(err, ratelimit.ErrUnknownProfile) {
		t.Errorf("unknown profile error = %v", err)
	}
}

func TestCacheEvictAndClear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, k := range []string{"cache:record:item:1:v1", "cache:record:item:2:v1", "cache:ps:item:1:v1", "other"} {
		if err := h.store.Set(ctx, k, []byte(`"v"`), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	out, err := h.run(t, "cache", "evict", "cache:record:*")
	if err != nil {
		t.Fatalf("evict failed: %v", err)
	}
	if out != "deleted 2 keys (pattern)\n" {
		t.Errorf("evict output %q", out)
	}

	out, err = h.run(t, "cache", "clear")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if out != "deleted 1 keys\n" {
		t.Errorf("clear output %q", out)
	}
	if _, err := h.store.Get(ctx, "other"); err != nil {
		t.Errorf("key outside the namespace removed: %v", err)
	}
}

func TestCleanupAndStats(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "cleanup")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if out != "removed 0 sessions, 0 notifications\n" {
		t.Errorf("cleanup output %q", out)
	}

	out, err = h.run(t, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	for _, k := range []string{"store", "health", "cache", "sessions"} {
		if _, ok := body[k]; !ok {
			t.Errorf("stats lacks %q", k)
		}
	}
}

func TestOpenFailureIsReturned(t *testing.T) {
	boom := errors.New("dial refused")
	cli := New(func(context.Context) (*app.App, error) { return nil, boom })
	cli.SetArgs([]string{"cleanup"})
	cli.SetOutput(&bytes.Buffer{}, &bytes.Buffer{})
	if err := cli.Execute(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Execute() = %v, want %v", err, boom)
	}
}
