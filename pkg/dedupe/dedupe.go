// Package dedupe suppresses repeated bus deliveries by message id.
package dedupe

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Filter remembers recently seen ids. A pair of bloom filters answers
// "definitely new" for most ids; a maybe-seen answer is confirmed against
// an exact LRU of the last 2*Capacity ids, so a bloom false positive never
// drops a first delivery. Once the active bloom filter holds Capacity ids
// it becomes the previous generation and a fresh one takes over.
type Filter struct {
	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	recent   *lru.Cache[string, struct{}]
	capacity uint
	fpRate   float64
	inserted uint

	checked        uint64
	duplicates     uint64
	falsePositives uint64
	rotations      uint64
}

// New creates a filter sized for capacity ids per generation.
func New(capacity uint, falsePositiveRate float64) *Filter {
	if capacity == 0 {
		capacity = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.001
	}
	return &Filter{
		current:  bloom.NewWithEstimates(capacity, falsePositiveRate),
		recent:   newRecent(capacity),
		capacity: capacity,
		fpRate:   falsePositiveRate,
	}
}

func newRecent(capacity uint) *lru.Cache[string, struct{}] {
	// Size is always positive, so New cannot fail.
	c, _ := lru.New[string, struct{}](int(2 * capacity))
	return c
}

// Seen records id and reports whether it was already recorded within the
// last 2*Capacity ids.
func (f *Filter) Seen(id string) bool {
	if id == "" {
		return false
	}
	data := []byte(id)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.checked++
	maybe := f.current.Test(data) || (f.previous != nil && f.previous.Test(data))
	if maybe {
		if f.recent.Contains(id) {
			f.duplicates++
			return true
		}
		f.falsePositives++
	}

	f.recent.Add(id, struct{}{})
	f.current.Add(data)
	f.inserted++
	if f.inserted >= f.capacity {
		f.previous = f.current
		f.current = bloom.NewWithEstimates(f.capacity, f.fpRate)
		f.inserted = 0
		f.rotations++
	}
	return false
}

// Reset forgets every id.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = bloom.NewWithEstimates(f.capacity, f.fpRate)
	f.previous = nil
	f.recent.Purge()
	f.inserted = 0
	f.checked = 0
	f.duplicates = 0
	f.falsePositives = 0
	f.rotations = 0
}

// Stats returns filter counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Stats{
		Checked:        f.checked,
		Duplicates:     f.duplicates,
		FalsePositives: f.falsePositives,
		Rotations:      f.rotations,
		Capacity:       f.capacity,
	}
}

// Stats holds dedupe counters. FalsePositives counts ids the bloom filters
// flagged that the exact set did not hold.
type Stats struct {
	Checked        uint64 `json:"checked"`
	Duplicates     uint64 `json:"duplicates"`
	FalsePositives uint64 `json:"false_positives"`
	Rotations      uint64 `json:"rotations"`
	Capacity       uint   `json:"capacity"`
}
