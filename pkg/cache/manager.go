// Package cache implements the read-through cache: an in-process LRU tier in
// front of the shared key-value store, with masking or encryption of what is
// persisted and fail-open behavior when the store is degraded.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
	"cachecoord/pkg/secure"
	"cachecoord/pkg/writer"
)

const (
	layerLocal = "cache.local"
	layerStore = "cache"

	deleteBatch = 500
)

// Manager is the read-through cache. It is safe for concurrent use.
type Manager struct {
	store   kv.Store
	codec   *secure.Codec
	local   *localTier
	sf      singleflight.Group
	writer  *writer.AsyncWriter
	opts    Options
	now     func() time.Time
	metrics metrics.Collector
	logger  *logging.Logger

	storeHits      atomic.Int64
	storeMisses    atomic.Int64
	computes       atomic.Int64
	failOpens      atomic.Int64
	decodeFailures atomic.Int64
	negatives      atomic.Int64
}

// New creates a Manager over store. A nil codec disables encryption.
func New(store kv.Store, codec *secure.Codec, opts Options, collector metrics.Collector, logger *logging.Logger) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultOptions().DefaultTTL
	}

	logger = logging.OrNop(logger).Named("cache")
	if codec == nil {
		var err error
		if codec, err = secure.NewCodec(nil, logger); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		store:   store,
		codec:   codec,
		local:   newLocalTier(opts.LocalSize, opts.LocalTTL, opts.Clock),
		opts:    opts,
		now:     opts.Clock,
		metrics: metrics.OrNoOp(collector),
		logger:  logger,
	}
	if opts.AsyncWrites {
		m.writer = writer.New(store, opts.Writer, collector, logger)
	}
	return m, nil
}

// StoreKey returns the physical key for a logical cache key.
func (m *Manager) StoreKey(key string) string {
	if m.opts.Namespace == "" {
		return key
	}
	return m.opts.Namespace + ":" + key
}

// GetOrCompute returns the cached value for key or computes, persists and
// returns it. The value handed back is always the original one; only the
// persisted copy is masked or encrypted. Concurrent misses for the same key
// in this process share one computation.
//
// When the store is unavailable compute runs directly, nothing is cached
// and the status is kv.StatusDegraded. A compute error wrapping
// kv.ErrNotFound is remembered for NegativeTTL.
func GetOrCompute[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, compute func(context.Context) (T, error), opts ...Option) (T, kv.Status, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, kv.StatusMiss, err
	}
	if err := kv.ValidateKey(key); err != nil {
		return zero, kv.StatusMiss, err
	}

	co := applyOptions(opts)
	sk := m.StoreKey(key)
	ttl = m.opts.EffectiveTTL(ttl)

	var cached T
	err := m.lookup(ctx, sk, co, &cached)
	switch {
	case err == nil:
		return cached, kv.StatusHit, nil
	case errors.Is(err, kv.ErrNotFound):
		return zero, kv.StatusHit, err
	case kv.IsUnavailable(err):
		m.failOpen("get", sk, err)
		v, cerr := compute(ctx)
		return v, kv.StatusDegraded, cerr
	case errors.Is(err, kv.ErrKeyNotFound), errors.Is(err, kv.ErrDecodeFailure):
	default:
		return zero, kv.StatusMiss, err
	}

	// The shared computation outlives any single caller; each caller
	// stops waiting when its own context ends.
	ch := m.sf.DoChan(sk, func() (any, error) {
		fctx, cancel := m.computeContext(ctx)
		defer cancel()

		m.computes.Add(1)
		v, err := compute(fctx)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				m.rememberMissing(fctx, sk, co)
			}
			return nil, err
		}
		_ = m.storeValue(fctx, sk, v, ttl, co)
		return v, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return zero, kv.StatusMiss, ctx.Err()
	}
	v, err := res.Val, res.Err
	if err != nil {
		return zero, kv.StatusMiss, err
	}
	if v == nil {
		return zero, kv.StatusMiss, nil
	}

	typed, ok := v.(T)
	if !ok {
		// Another caller computed the key as a different type.
		typed, err = compute(ctx)
		return typed, kv.StatusMiss, err
	}
	return typed, kv.StatusMiss, nil
}

// computeContext detaches ctx from its caller's cancellation and applies
// ComputeTimeout.
func (m *Manager) computeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if m.opts.ComputeTimeout > 0 {
		return context.WithTimeout(detached, m.opts.ComputeTimeout)
	}
	return context.WithCancel(detached)
}

// Get returns the cached value for key without computing. A plain miss or
// an undecodable entry is kv.ErrKeyNotFound; a remembered not-found is
// kv.ErrNotFound.
func Get[T any](ctx context.Context, m *Manager, key string, opts ...Option) (T, kv.Status, error) {
	var out T
	if err := kv.ValidateKey(key); err != nil {
		return out, kv.StatusMiss, err
	}

	err := m.lookup(ctx, m.StoreKey(key), applyOptions(opts), &out)
	switch {
	case err == nil:
		return out, kv.StatusHit, nil
	case errors.Is(err, kv.ErrNotFound):
		return out, kv.StatusHit, err
	case kv.IsUnavailable(err):
		m.failOpen("get", m.StoreKey(key), err)
		return out, kv.StatusDegraded, err
	case errors.Is(err, kv.ErrDecodeFailure):
		var zero T
		return zero, kv.StatusMiss, kv.ErrKeyNotFound
	default:
		return out, kv.StatusMiss, err
	}
}

// Set stores v under key with the same masking and encryption rules as
// GetOrCompute. Store failures are returned after being logged.
func (m *Manager) Set(ctx context.Context, key string, v any, ttl time.Duration, opts ...Option) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	return m.storeValue(ctx, m.StoreKey(key), v, m.opts.EffectiveTTL(ttl), applyOptions(opts))
}

// Delete removes key, or every key matching it when it is a glob pattern,
// from both tiers. It returns the number of stored keys removed.
func (m *Manager) Delete(ctx context.Context, keyOrPattern string) (int, error) {
	sk := m.StoreKey(keyOrPattern)
	start := time.Now()

	if !isPattern(keyOrPattern) {
		m.local.remove(sk)
		n, err := m.store.Delete(ctx, sk)
		m.metrics.RecordDelete(layerStore, err == nil, time.Since(start))
		if err != nil {
			m.logger.Warn("delete failed", zap.String("key", sk), zap.Error(err))
			return 0, err
		}
		return int(n), nil
	}

	m.local.evict(sk)
	n, err := DeleteMatching(ctx, m.store, sk)
	m.metrics.RecordDelete(layerStore, err == nil, time.Since(start))
	if err != nil {
		m.logger.Warn("pattern delete failed", zap.String("pattern", sk), zap.Error(err))
	}
	return n, err
}

// DeleteMatching scans store for pattern and deletes the matches in batches.
func DeleteMatching(ctx context.Context, store kv.Store, pattern string) (int, error) {
	keys, err := store.Scan(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("scan %q: %w", pattern, err)
	}

	total := 0
	for i := 0; i < len(keys); i += deleteBatch {
		end := min(i+deleteBatch, len(keys))
		n, err := store.Delete(ctx, keys[i:end]...)
		total += int(n)
		if err != nil {
			return total, fmt.Errorf("delete %q: %w", pattern, err)
		}
	}
	return total, nil
}

// Clear removes every entry under the manager's namespace.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	m.local.purge()
	if m.opts.Namespace == "" {
		return 0, fmt.Errorf("%w: clear requires a namespace", errInvalidOptions)
	}
	return m.Delete(ctx, "*")
}

// EvictLocal drops in-process entries whose stored key matches pattern.
// It never touches the shared store.
func (m *Manager) EvictLocal(pattern string) int {
	return m.local.evict(pattern)
}

// CurrentVersion returns the version counter of an entity family, 1 when
// unset or unreadable.
func (m *Manager) CurrentVersion(ctx context.Context, domain, entity string) int64 {
	data, err := m.store.Get(ctx, m.StoreKey(VersionKey(domain, entity)))
	if err != nil {
		if !kv.IsNotFound(err) {
			m.logger.Warn("version read failed", zap.String("entity", domain+":"+entity), zap.Error(err))
		}
		return 1
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || v < 1 {
		return 1
	}
	return v
}

// BumpVersion advances the version of an entity family so that keys built
// with Versioned move to a fresh namespace.
func (m *Manager) BumpVersion(ctx context.Context, domain, entity string) (int64, error) {
	vk := m.StoreKey(VersionKey(domain, entity))
	v, err := m.store.Incr(ctx, vk)
	if err != nil {
		return 0, err
	}
	if v == 1 {
		// Unset counters read as version 1, so the first bump must land on 2.
		if v, err = m.store.Incr(ctx, vk); err != nil {
			return 0, err
		}
	}
	m.local.evict(m.StoreKey(EntityPattern(domain, entity, "")))
	return v, nil
}

// Versioned returns k with Version set to the family's current version.
func (m *Manager) Versioned(ctx context.Context, k Key) Key {
	k.Version = m.CurrentVersion(ctx, k.Domain, k.Entity)
	return k
}

// Flush waits for pending background writes.
func (m *Manager) Flush(timeout time.Duration) error {
	if m.writer == nil {
		return nil
	}
	return m.writer.Flush(timeout)
}

// Close stops the background writer and drops the local tier. The store is
// owned by the caller.
func (m *Manager) Close() error {
	if m.writer != nil {
		if err := m.writer.Close(); err != nil {
			return err
		}
	}
	m.local.purge()
	return nil
}

// Stats reports cache activity since construction.
func (m *Manager) Stats() Stats {
	s := Stats{
		StoreHits:      m.storeHits.Load(),
		StoreMisses:    m.storeMisses.Load(),
		Computes:       m.computes.Load(),
		FailOpens:      m.failOpens.Load(),
		DecodeFailures: m.decodeFailures.Load(),
		Negatives:      m.negatives.Load(),
		LocalSize:      m.local.len(),
	}
	if m.local != nil {
		s.LocalHits = m.local.hits.Load()
		s.LocalMisses = m.local.misses.Load()
	}
	if m.writer != nil {
		ws := m.writer.Stats()
		s.Writer = &ws
	}
	return s
}

// Stats holds cache counters.
type Stats struct {
	LocalHits      int64         `json:"local_hits"`
	LocalMisses    int64         `json:"local_misses"`
	LocalSize      int           `json:"local_size"`
	StoreHits      int64         `json:"store_hits"`
	StoreMisses    int64         `json:"store_misses"`
	Computes       int64         `json:"computes"`
	FailOpens      int64         `json:"fail_opens"`
	DecodeFailures int64         `json:"decode_failures"`
	Negatives      int64         `json:"negatives"`
	Writer         *writer.Stats `json:"writer,omitempty"`
}

// lookup decodes the entry at sk into out, trying the local tier first.
func (m *Manager) lookup(ctx context.Context, sk string, co callOptions, out any) error {
	if !co.skipLocal {
		start := time.Now()
		if e, ok := m.local.get(sk); ok {
			m.metrics.RecordGet(layerLocal, true, time.Since(start))
			if e.negative {
				return kv.ErrNotFound
			}
			if err := json.Unmarshal(e.data, out); err == nil {
				return nil
			}
			m.local.remove(sk)
		} else if m.local != nil {
			m.metrics.RecordGet(layerLocal, false, time.Since(start))
		}
	}

	start := time.Now()
	data, err := m.store.Get(ctx, sk)
	m.metrics.RecordGet(layerStore, err == nil, time.Since(start))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			m.storeMisses.Add(1)
		}
		return err
	}
	m.storeHits.Add(1)

	if isTombstone(data) {
		if !co.skipLocal {
			m.local.put(sk, nil, true, m.opts.NegativeTTL)
		}
		return kv.ErrNotFound
	}

	if err := m.codec.DecryptValue(data, out); err != nil {
		m.decodeFailures.Add(1)
		m.logger.Warn("discarding undecodable entry", zap.String("key", sk), zap.Error(err))
		return err
	}

	if !co.skipLocal && m.local != nil {
		if plain, err := json.Marshal(out); err == nil {
			ttl := m.opts.LocalTTL
			if remaining, err := m.store.TTL(ctx, sk); err == nil && remaining > 0 {
				ttl = m.opts.localTTL(remaining)
			}
			m.local.put(sk, plain, false, ttl)
		}
	}
	return nil
}

// storeValue persists v and fills the local tier with the original value.
func (m *Manager) storeValue(ctx context.Context, sk string, v any, ttl time.Duration, co callOptions) error {
	encrypt := co.encrypt || (m.opts.AutoEncrypt && secure.ShouldEncrypt(v))

	data, err := m.codec.Seal(v, encrypt)
	if err != nil {
		m.logger.Warn("cannot serialize value", zap.String("key", sk), zap.Error(err))
		return fmt.Errorf("%w: %v", kv.ErrDecodeFailure, err)
	}

	if !co.skipLocal && m.local != nil {
		if plain, err := json.Marshal(v); err == nil {
			m.local.put(sk, plain, false, m.opts.localTTL(ttl))
		}
	}

	start := time.Now()
	err = m.persist(ctx, sk, data, ttl)
	m.metrics.RecordSet(layerStore, err == nil, time.Since(start))
	if err != nil {
		if kv.IsUnavailable(err) {
			m.failOpen("set", sk, err)
		} else {
			m.logger.Warn("cache write failed", zap.String("key", sk), zap.Error(err))
		}
		return err
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, sk string, data []byte, ttl time.Duration) error {
	if m.writer != nil {
		return m.writer.Write(ctx, sk, data, ttl)
	}
	return m.store.Set(ctx, sk, data, ttl)
}

func (m *Manager) failOpen(op, key string, err error) {
	m.failOpens.Add(1)
	m.metrics.RecordFailOpen(layerStore)
	m.logger.Warn("store unavailable, serving without cache",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}
