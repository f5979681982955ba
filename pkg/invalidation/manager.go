// Package invalidation evicts cached entries by pattern or entity and
// broadcasts each eviction so other processes drop their local copies.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cachecoord/pkg/cache"
	"cachecoord/pkg/dedupe"
	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
)

var (
	// ErrUnknownMutation is returned for mutation kinds without a rule.
	ErrUnknownMutation = errors.New("invalidation: unknown mutation type")

	// ErrUnknownEntity is returned for entity types without patterns.
	ErrUnknownEntity = errors.New("invalidation: unknown entity type")

	// ErrNoCache is returned by versioned invalidation without a cache tier.
	ErrNoCache = errors.New("invalidation: versioned invalidation needs a cache")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("invalidation: manager closed")
)

// CacheTier is the part of the cache manager invalidation drives.
type CacheTier interface {
	EvictLocal(pattern string) int
	BumpVersion(ctx context.Context, domain, entity string) (int64, error)
	StoreKey(key string) string
}

var _ CacheTier = (*cache.Manager)(nil)

// Config configures a Manager.
type Config struct {
	// InstanceID tags events published by this process.
	InstanceID string

	// Namespace is the cache namespace substituted into pattern templates.
	Namespace string

	// DedupeCapacity sizes the duplicate-delivery filter.
	DedupeCapacity uint

	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

// Manager performs invalidations. Construct one per process with New.
type Manager struct {
	store   kv.Store
	bus     kv.Bus
	cache   CacheTier
	config  Config
	seen    *dedupe.Filter
	metrics metrics.Collector
	logger  *logging.Logger

	mu       sync.RWMutex
	subs     map[uint64]Callback
	nextSub  uint64
	entities map[string][]string
	rules    map[string]Rule
	channels map[string]bool
	started  bool

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool

	emitted         atomic.Int64
	received        atomic.Int64
	duplicates      atomic.Int64
	publishFailures atomic.Int64
}

// New creates a Manager. bus and tier may be nil: without a bus events stay
// local, without a tier no in-process entries are evicted.
func New(store kv.Store, bus kv.Bus, tier CacheTier, config Config, collector metrics.Collector, logger *logging.Logger) *Manager {
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	entities := make(map[string][]string, len(defaultEntityPatterns))
	for k, v := range defaultEntityPatterns {
		entities[k] = append([]string(nil), v...)
	}

	return &Manager{
		store:    store,
		bus:      bus,
		cache:    tier,
		config:   config,
		seen:     dedupe.New(config.DedupeCapacity, 0.001),
		metrics:  metrics.OrNoOp(collector),
		logger:   logging.OrNop(logger).Named("invalidation"),
		subs:     make(map[uint64]Callback),
		entities: entities,
		rules:    defaultRules(),
		channels: make(map[string]bool),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// InstanceID returns the origin tag of locally produced events.
func (m *Manager) InstanceID() string {
	return m.config.InstanceID
}

// RegisterEntity sets the pattern templates for an entity type.
func (m *Manager) RegisterEntity(entityType string, templates ...string) {
	m.mu.Lock()
	m.entities[entityType] = append([]string(nil), templates...)
	started := m.started
	m.mu.Unlock()

	if started {
		if err := m.listen(context.Background(), ChannelFor(entityType)); err != nil {
			m.logger.Warn("subscribe failed", zap.String("entity", entityType), zap.Error(err))
		}
	}
}

// RegisterMutation adds or replaces the rule for a mutation kind.
func (m *Manager) RegisterMutation(kind string, rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[kind] = rule
}

// EntityPatterns returns the rendered patterns for an entity.
func (m *Manager) EntityPatterns(entityType, id string) ([]string, error) {
	m.mu.RLock()
	templates, ok := m.entities[entityType]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
	}
	return expand(templates, m.config.Namespace, id), nil
}

// InvalidatePattern deletes every key matching pattern, evicts matching
// local entries and emits one event. Scan or delete failures are returned;
// publish failures are only logged.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern, reason, actorID string) (Event, error) {
	strategy := StrategyPattern
	if !strings.ContainsAny(pattern, "*?[") {
		strategy = StrategyImmediate
	}
	return m.invalidate(ctx, []string{pattern}, Event{
		Pattern:  pattern,
		Reason:   reason,
		ActorID:  actorID,
		Strategy: strategy,
	}, ChannelGlobal)
}

// InvalidateEntity expands an entity into its pattern list and invalidates
// each, summing the affected keys into one event.
func (m *Manager) InvalidateEntity(ctx context.Context, entityType, id, reason, actorID string) (Event, error) {
	patterns, err := m.EntityPatterns(entityType, id)
	if err != nil {
		return Event{}, err
	}
	return m.invalidate(ctx, patterns, Event{
		Pattern:    entityType + ":" + id,
		Patterns:   patterns,
		EntityType: entityType,
		EntityID:   id,
		Reason:     reason,
		ActorID:    actorID,
		Strategy:   StrategyImmediate,
	}, ChannelFor(entityType))
}

// InvalidateAfterMutation applies the rule registered for mutationType and
// emits one consolidated event.
func (m *Manager) InvalidateAfterMutation(ctx context.Context, mutationType string, payload Payload, actorID string) (Event, error) {
	m.mu.RLock()
	rule, ok := m.rules[mutationType]
	m.mu.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownMutation, mutationType)
	}

	var patterns []string
	channel := ChannelGlobal
	for _, t := range rule(payload) {
		if t.Pattern != "" {
			patterns = append(patterns, render(t.Pattern, m.config.Namespace, ""))
			continue
		}
		expanded, err := m.EntityPatterns(t.EntityType, t.EntityID)
		if err != nil {
			return Event{}, err
		}
		patterns = append(patterns, expanded...)
		if t.EntityType == "user" {
			channel = ChannelUser
		}
	}

	return m.invalidate(ctx, dedupePatterns(patterns), Event{
		Pattern:  mutationType,
		Patterns: dedupePatterns(patterns),
		Reason:   mutationType,
		ActorID:  actorID,
		Strategy: StrategyPattern,
	}, channel)
}

// InvalidateDelayed schedules a pattern invalidation after delay. The
// returned function cancels it if it has not run yet. Cancelling ctx does
// not cancel the invalidation; only the returned function and Close do.
func (m *Manager) InvalidateDelayed(ctx context.Context, pattern string, delay time.Duration, reason, actorID string) (cancel func() bool, err error) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.timersMu.Lock()
		delete(m.timers, t)
		m.timersMu.Unlock()

		_, err := m.invalidate(context.WithoutCancel(ctx), []string{pattern}, Event{
			Pattern:  pattern,
			Reason:   reason,
			ActorID:  actorID,
			Strategy: StrategyDelayed,
		}, ChannelGlobal)
		if err != nil {
			m.logger.Error("delayed invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		}
	})
	m.timers[t] = struct{}{}

	return func() bool {
		m.timersMu.Lock()
		defer m.timersMu.Unlock()
		delete(m.timers, t)
		return t.Stop()
	}, nil
}

// InvalidateVersioned bumps the version of an entity family. New keys
// built through the cache move to the new version and old ones age out by
// TTL, so nothing is scanned or deleted.
func (m *Manager) InvalidateVersioned(ctx context.Context, domain, entity, reason, actorID string) (Event, error) {
	if m.cache == nil {
		return Event{}, ErrNoCache
	}

	version, err := m.cache.BumpVersion(ctx, domain, entity)
	if err != nil {
		m.logger.Error("version bump failed",
			zap.String("domain", domain), zap.String("entity", entity), zap.Error(err))
		return Event{}, err
	}

	p := m.cache.StoreKey(cache.EntityPattern(domain, entity, ""))
	ev := m.newEvent(Event{
		Pattern:    p,
		EntityType: domain + ":" + entity,
		EntityID:   fmt.Sprintf("v%d", version),
		Reason:     reason,
		ActorID:    actorID,
		Strategy:   StrategyVersioned,
	})
	m.emit(ctx, ev, ChannelGlobal)
	return ev, nil
}

// Announce emits an event without deleting anything, for changes other
// components already applied to the store.
func (m *Manager) Announce(ctx context.Context, entityType, entityID, reason, actorID string, patterns ...string) Event {
	ev := m.newEvent(Event{
		Pattern:    entityType + ":" + entityID,
		Patterns:   patterns,
		EntityType: entityType,
		EntityID:   entityID,
		Reason:     reason,
		ActorID:    actorID,
		Strategy:   StrategyImmediate,
	})
	m.evictLocal(patterns)
	m.emit(ctx, ev, ChannelFor(entityType))
	return ev
}

func (m *Manager) invalidate(ctx context.Context, patterns []string, ev Event, channel string) (Event, error) {
	var errs []error
	total := 0
	for _, p := range patterns {
		n, err := cache.DeleteMatching(ctx, m.store, p)
		total += n
		if err != nil {
			m.logger.Error("invalidation failed", zap.String("pattern", p), zap.Error(err))
			errs = append(errs, err)
		}
	}
	m.evictLocal(patterns)

	ev.KeysAffected = total
	ev = m.newEvent(ev)
	if len(errs) == len(patterns) && len(errs) > 0 {
		return ev, errors.Join(errs...)
	}

	m.emit(ctx, ev, channel)
	return ev, errors.Join(errs...)
}

func (m *Manager) newEvent(ev Event) Event {
	ev.ID = uuid.NewString()
	ev.Timestamp = m.config.Clock().UTC()
	ev.Origin = m.config.InstanceID
	return ev
}

func (m *Manager) evictLocal(patterns []string) {
	if m.cache == nil {
		return
	}
	for _, p := range patterns {
		m.cache.EvictLocal(p)
	}
}

// emit delivers ev to local subscribers and then publishes it.
func (m *Manager) emit(ctx context.Context, ev Event, channel string) {
	m.emitted.Add(1)
	m.seen.Seen(ev.ID)
	m.metrics.RecordInvalidation(string(ev.Strategy), ev.KeysAffected)
	m.logger.Info("cache invalidated",
		zap.String("pattern", ev.Pattern),
		zap.String("strategy", string(ev.Strategy)),
		zap.Int("keys", ev.KeysAffected),
		zap.String("reason", ev.Reason),
		zap.String("actor", ev.ActorID),
	)

	m.deliver(ev)

	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("cannot encode event", zap.Error(err))
		return
	}
	if _, err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.publishFailures.Add(1)
		m.logger.Warn("invalidation publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Subscribe registers cb for every event, local or remote. Callbacks run
// synchronously in registration order. The returned function removes it.
func (m *Manager) Subscribe(cb Callback) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) deliver(ev Event) {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]Callback, len(ids))
	for i, id := range ids {
		cbs[i] = m.subs[id]
	}
	m.mu.RUnlock()

	for _, cb := range cbs {
		m.safeCall(cb, ev)
	}
}

func (m *Manager) safeCall(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("invalidation subscriber panicked", zap.Any("panic", r), zap.String("event", ev.ID))
		}
	}()
	cb(ev)
}

// Start subscribes to the invalidation channels so remote events evict
// local state.
func (m *Manager) Start(ctx context.Context) error {
	if m.bus == nil {
		return nil
	}

	m.mu.Lock()
	m.started = true
	channels := []string{ChannelGlobal, ChannelUser}
	for entityType := range m.entities {
		channels = append(channels, ChannelFor(entityType))
	}
	m.mu.Unlock()

	for _, ch := range dedupePatterns(channels) {
		if err := m.listen(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) listen(ctx context.Context, channel string) error {
	m.mu.Lock()
	if m.channels[channel] {
		m.mu.Unlock()
		return nil
	}
	m.channels[channel] = true
	m.mu.Unlock()

	if err := m.bus.Subscribe(ctx, channel, m.handleRemote); err != nil {
		m.mu.Lock()
		delete(m.channels, channel)
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

func (m *Manager) handleRemote(channel string, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.logger.Warn("dropping malformed invalidation event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if ev.Origin == m.config.InstanceID {
		return
	}
	if m.seen.Seen(ev.ID) {
		m.duplicates.Add(1)
		return
	}

	m.received.Add(1)
	m.evictLocal(ev.AllPatterns())
	m.deliver(ev)
}

// Close cancels pending delayed invalidations and unsubscribes from the bus.
func (m *Manager) Close() error {
	m.timersMu.Lock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[*time.Timer]struct{})
	m.timersMu.Unlock()

	if m.bus == nil {
		return nil
	}

	m.mu.Lock()
	channels := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]bool)
	m.started = false
	m.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := m.bus.Unsubscribe(context.Background(), ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns invalidation counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	subs := len(m.subs)
	m.mu.RUnlock()

	return Stats{
		Emitted:          m.emitted.Load(),
		Received:         m.received.Load(),
		Duplicates:       m.duplicates.Load(),
		PublishFailures:  m.publishFailures.Load(),
		LocalSubscribers: subs,
	}
}

// Stats holds invalidation counters.
type Stats struct {
	Emitted          int64 `json:"emitted"`
	Received         int64 `json:"received"`
	Duplicates       int64 `json:"duplicates"`
	PublishFailures  int64 `json:"publish_failures"`
	LocalSubscribers int   `json:"local_subscribers"`
}

func dedupePatterns(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
