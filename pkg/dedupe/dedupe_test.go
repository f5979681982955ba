package dedupe

import (
	"fmt"
	"testing"
)

func TestFilter_Seen(t *testing.T) {
	f := New(100, 0.001)

	if f.Seen("msg-1") {
		t.Error("First delivery should not be a duplicate")
	}
	if !f.Seen("msg-1") {
		t.Error("Second delivery should be a duplicate")
	}
	if f.Seen("msg-2") {
		t.Error("Different id should not be a duplicate")
	}
	if f.Seen("") {
		t.Error("Empty id is never tracked")
	}

	stats := f.Stats()
	if stats.Checked != 3 || stats.Duplicates != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestFilter_RotationKeepsPreviousGeneration(t *testing.T) {
	f := New(10, 0.001)

	for i := 0; i < 10; i++ {
		f.Seen(fmt.Sprintf("id-%d", i))
	}
	if f.Stats().Rotations != 1 {
		t.Fatalf("Expected one rotation, got %d", f.Stats().Rotations)
	}

	if !f.Seen("id-3") {
		t.Error("Ids from the previous generation should still be recognized")
	}

	for i := 10; i < 20; i++ {
		f.Seen(fmt.Sprintf("id-%d", i))
	}
	if f.Stats().Rotations != 2 {
		t.Fatalf("Expected two rotations, got %d", f.Stats().Rotations)
	}
}

func TestFilter_Reset(t *testing.T) {
	f := New(0, 0)
	f.Seen("a")
	f.Reset()

	if f.Seen("a") {
		t.Error("Reset should forget ids")
	}
	if f.Stats().Capacity != 10000 {
		t.Errorf("Expected default capacity, got %d", f.Stats().Capacity)
	}
}

func TestFilter_BloomFalsePositiveDoesNotDropNewIDs(t *testing.T) {
	// A tiny, saturated filter flags almost every new id as maybe-seen.
	f := New(8, 0.5)

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("first-%d", i)
		if f.Seen(id) {
			t.Fatalf("first delivery of %s reported as duplicate", id)
		}
		if !f.Seen(id) {
			t.Fatalf("second delivery of %s not reported as duplicate", id)
		}
	}
	if f.Stats().FalsePositives == 0 {
		t.Error("expected the saturated bloom filter to produce false positives")
	}
}
