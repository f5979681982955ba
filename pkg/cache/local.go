package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"cachecoord/pkg/kv"
)

type localEntry struct {
	data      []byte
	negative  bool
	expiresAt time.Time
}

// localTier is the in-process LRU in front of the shared store. The LRU
// enforces LocalTTL on wall time; expiresAt additionally honors the
// manager clock so entries never outlive their store TTL.
type localTier struct {
	lru    *expirable.LRU[string, localEntry]
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

func newLocalTier(size int, ttl time.Duration, now func() time.Time) *localTier {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &localTier{
		lru: expirable.NewLRU[string, localEntry](size, nil, ttl),
		now: now,
	}
}

func (l *localTier) get(key string) (localEntry, bool) {
	if l == nil {
		return localEntry{}, false
	}
	e, ok := l.lru.Get(key)
	if ok && !l.now().Before(e.expiresAt) {
		l.lru.Remove(key)
		ok = false
	}
	if ok {
		l.hits.Add(1)
	} else {
		l.misses.Add(1)
	}
	return e, ok
}

func (l *localTier) put(key string, data []byte, negative bool, ttl time.Duration) {
	if l == nil || ttl <= 0 {
		return
	}
	l.lru.Add(key, localEntry{
		data:      data,
		negative:  negative,
		expiresAt: l.now().Add(ttl),
	})
}

func (l *localTier) remove(key string) {
	if l == nil {
		return
	}
	l.lru.Remove(key)
}

// evict removes every local key matching the glob pattern.
func (l *localTier) evict(pattern string) int {
	if l == nil {
		return 0
	}
	n := 0
	for _, key := range l.lru.Keys() {
		if kv.MatchPattern(pattern, key) && l.lru.Remove(key) {
			n++
		}
	}
	return n
}

func (l *localTier) purge() {
	if l == nil {
		return
	}
	l.lru.Purge()
}

func (l *localTier) len() int {
	if l == nil {
		return 0
	}
	return l.lru.Len()
}
