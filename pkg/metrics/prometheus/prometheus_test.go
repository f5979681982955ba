package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cachecoord/pkg/metrics"
)

func TestCollector_RegisterAndGather(t *testing.T) {
	pc := NewCollector("test")
	registry := prometheus.NewRegistry()

	if err := pc.Register(registry); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	pc.RecordGet("redis", true, time.Millisecond)
	pc.RecordGet("redis", false, time.Millisecond)
	pc.RecordCircuitState("redis", metrics.CircuitOpen)
	pc.RecordRateLimit("login", false)
	pc.RecordInvalidation("entity", 3)
	pc.RecordNotification("sent")
	pc.RecordSessionEviction()
	pc.RecordFailOpen("ratelimit")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"test_cache_hits_total",
		"test_circuit_opens_total",
		"test_ratelimit_decisions_total",
		"test_invalidated_keys_total",
		"test_notifications_total",
		"test_session_evictions_total",
		"test_fail_open_total",
	} {
		if !found[name] {
			t.Errorf("Expected metric family %s", name)
		}
	}
}

func TestCollector_DoubleRegister(t *testing.T) {
	pc := NewCollector("dup")
	registry := prometheus.NewRegistry()

	if err := pc.Register(registry); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := pc.Register(registry); err == nil {
		t.Error("Expected error registering the same collectors twice")
	}
}
