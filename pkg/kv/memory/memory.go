// Package memory is an in-process kv.Store and kv.Bus used for
// single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"cachecoord/pkg/kv"
)

// Store is an in-memory implementation of kv.Store.
// It provides thread-safe operations, TTL expiration, and optional LRU eviction.
type Store struct {
	// data stores the entries
	data map[string]*entry

	// mu protects concurrent access to data and counters
	mu sync.RWMutex

	config Config

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	hits    int64
	misses  int64
	evicted int64
	expired int64
}

// entry holds either a byte value or a sorted set.
type entry struct {
	value      []byte
	zset       map[string]float64
	expiresAt  time.Time // zero = no expiry
	accessedAt time.Time
}

// Config holds configuration for the memory store
type Config struct {
	// Name is the store identifier
	Name string

	// MaxSize is the maximum number of keys (0 = unlimited)
	MaxSize int

	// CleanupInterval is how often to check for expired entries
	CleanupInterval time.Duration

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// New creates a new in-memory store and starts its cleanup goroutine.
func New(config Config) *Store {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Store{
		data:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
	}

	s.wg.Add(1)
	go s.cleanup()

	return s
}

var _ kv.Store = (*Store)(nil)

func (s *Store) now() time.Time {
	return s.config.Now()
}

// live returns the entry for key if it exists and has not expired.
// Expired entries are removed. Caller must hold the write lock.
func (s *Store) live(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		s.expired++
		return nil
	}
	return e
}

// Get retrieves a value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.zset != nil {
		s.misses++
		return nil, kv.ErrKeyNotFound
	}
	s.hits++
	e.accessedAt = s.now()
	return cloneBytes(e.value), nil
}

// MGet retrieves several values; missing keys yield nil entries.
func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(keys))
	for i, key := range keys {
		e := s.live(key)
		if e == nil || e.zset != nil {
			s.misses++
			continue
		}
		s.hits++
		e.accessedAt = s.now()
		out[i] = cloneBytes(e.value)
	}
	return out, nil
}

// Set stores a value. Enforces MaxSize by evicting the least recently used key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists {
		s.evictIfFull()
	}

	now := s.now()
	e := &entry{value: cloneBytes(value), accessedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.data[key] = e
	return nil
}

// evictIfFull drops the least recently used entry when at capacity.
// Caller must hold the write lock.
func (s *Store) evictIfFull() {
	if s.config.MaxSize <= 0 || len(s.data) < s.config.MaxSize {
		return
	}

	var lruKey string
	var lruTime time.Time
	for k, e := range s.data {
		if lruKey == "" || e.accessedAt.Before(lruTime) {
			lruKey = k
			lruTime = e.accessedAt
		}
	}
	if lruKey != "" {
		delete(s.data, lruKey)
		s.evicted++
	}
}

// Delete removes keys and reports how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, key := range keys {
		if s.live(key) != nil {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

// Scan returns keys matching the glob pattern.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0)
	for key := range s.data {
		if s.live(key) == nil {
			continue
		}
		if kv.MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Incr atomically increments the integer at key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		s.evictIfFull()
		e = &entry{value: []byte("0"), accessedAt: s.now()}
		s.data[key] = e
	}
	if e.zset != nil {
		return 0, fmt.Errorf("memory incr %s: wrong type", key)
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory incr %s: value is not an integer", key)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	e.accessedAt = s.now()
	return n, nil
}

// Expire sets a ttl on an existing key. Missing keys are ignored.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(s.data, key)
		return nil
	}
	e.expiresAt = s.now().Add(ttl)
	return nil
}

// TTL returns the remaining time to live.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, kv.ErrKeyNotFound
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// ZAdd adds member to the sorted set at key.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		s.evictIfFull()
		e = &entry{zset: make(map[string]float64), accessedAt: s.now()}
		s.data[key] = e
	}
	if e.zset == nil {
		return fmt.Errorf("memory zadd %s: wrong type", key)
	}
	e.zset[member] = score
	e.accessedAt = s.now()
	return nil
}

// ZRange returns members by ascending score.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.zrange(ctx, key, start, stop, false)
}

// ZRevRange returns members by descending score.
func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.zrange(ctx, key, start, stop, true)
}

func (s *Store) zrange(ctx context.Context, key string, start, stop int64, rev bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.zset == nil {
		return []string{}, nil
	}

	members := make([]string, 0, len(e.zset))
	for m := range e.zset {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := e.zset[members[i]], e.zset[members[j]]
		if si == sj {
			if rev {
				return members[i] > members[j]
			}
			return members[i] < members[j]
		}
		if rev {
			return si > sj
		}
		return si < sj
	})

	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	return members[start : stop+1], nil
}

// ZRem removes members from the sorted set.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.zset == nil {
		return 0, nil
	}
	var n int64
	for _, m := range members {
		if _, ok := e.zset[m]; ok {
			delete(e.zset, m)
			n++
		}
	}
	if len(e.zset) == 0 {
		delete(s.data, key)
	}
	return n, nil
}

// ZCard returns the sorted set size.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.zset == nil {
		return 0, nil
	}
	return int64(len(e.zset)), nil
}

// DBSize returns the number of live keys.
func (s *Store) DBSize(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key := range s.data {
		if s.live(key) != nil {
			n++
		}
	}
	return n, nil
}

// Info renders store statistics in INFO text format.
func (s *Store) Info(ctx context.Context, section string) (string, error) {
	size, err := s.DBSize(ctx)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fmt.Sprintf("# Stats\r\nkeyspace_hits:%d\r\nkeyspace_misses:%d\r\nevicted_keys:%d\r\nexpired_keys:%d\r\n"+
		"# Replication\r\nrole:master\r\n# Keyspace\r\ndb0:keys=%d\r\n",
		s.hits, s.misses, s.evicted, s.expired, size), nil
}

// Ping always succeeds unless ctx is done.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Name returns the configured store name.
func (s *Store) Name() string {
	return s.config.Name
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		s.cleanupTicker.Stop()
		s.wg.Wait()
	})
	return nil
}

// Flush removes every key.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*entry)
}

// cleanup runs in a background goroutine to remove expired entries.
func (s *Store) cleanup() {
	defer s.wg.Done()

	for {
		select {
		case <-s.cleanupTicker.C:
			s.removeExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.data {
		s.live(key)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
