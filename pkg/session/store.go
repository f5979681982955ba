// Package session keeps authenticated sessions and cached user profiles in
// the shared store, capped per user and with sliding expiry.
//
// Store failures never block authentication: reads degrade to
// kv.ErrNotFound and writes are logged and skipped.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cachecoord/pkg/invalidation"
	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
	"cachecoord/pkg/secure"
)

// Announcer publishes session lifecycle events to other processes.
type Announcer interface {
	Announce(ctx context.Context, entityType, entityID, reason, actorID string, patterns ...string) invalidation.Event
}

var _ Announcer = (*invalidation.Manager)(nil)

// Lifecycle reasons carried by announced events.
const (
	ReasonCreated            = "session.created"
	ReasonEvicted            = "session.evicted"
	ReasonDeleted            = "session.deleted"
	ReasonProfileInvalidated = "profile.invalidated"
)

// Config configures a Store.
type Config struct {
	// TTL is the sliding session lifetime (default 24h).
	TTL time.Duration

	// ProfileTTL is the cached profile lifetime (default 1h).
	ProfileTTL time.Duration

	// MaxSessionsPerUser caps live sessions; the oldest are evicted (default 5).
	MaxSessionsPerUser int

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:                24 * time.Hour,
		ProfileTTL:         time.Hour,
		MaxSessionsPerUser: 5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = def.ProfileTTL
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = def.MaxSessionsPerUser
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Store manages session records. Records are persisted encrypted when the
// codec has a key, masked otherwise.
type Store struct {
	store     kv.Store
	codec     *secure.Codec
	announcer Announcer
	config    Config
	metrics   metrics.Collector
	logger    *logging.Logger

	evictions atomic.Int64
	degraded  atomic.Int64
}

// New creates a Store. codec and announcer may be nil.
func New(store kv.Store, codec *secure.Codec, announcer Announcer, config Config, collector metrics.Collector, logger *logging.Logger) *Store {
	logger = logging.OrNop(logger).Named("session")
	if codec == nil {
		codec, _ = secure.NewCodec(nil, logger)
	}
	return &Store{
		store:     store,
		codec:     codec,
		announcer: announcer,
		config:    config.withDefaults(),
		metrics:   metrics.OrNoOp(collector),
		logger:    logger,
	}
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.config
}

func validID(kind, id string) error {
	if id == "" || strings.ContainsAny(id, ":*?[]") {
		return fmt.Errorf("%w: %s %q", kv.ErrInvalidKey, kind, id)
	}
	return nil
}

// SetSession persists rec, indexes it under its user and evicts the oldest
// sessions beyond the per-user cap. An empty SessionID is generated and
// zero timestamps are filled. Store failures are logged and the returned
// record is still usable by the caller.
func (s *Store) SetSession(ctx context.Context, rec Record) (Record, error) {
	if err := validID("user id", rec.UserID); err != nil {
		return rec, err
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	} else if err := validID("session id", rec.SessionID); err != nil {
		return rec, err
	}

	now := s.config.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = now
	}

	if err := s.write(ctx, rec); err != nil {
		return rec, nil
	}

	index := IndexKey(rec.UserID)
	if err := s.store.ZAdd(ctx, index, s.indexScore(ctx, rec), rec.SessionID); err != nil {
		s.logger.Warn("cannot index session", zap.String("user", rec.UserID), zap.Error(err))
		return rec, nil
	}
	if err := s.store.Expire(ctx, index, s.config.TTL); err != nil {
		s.logger.Warn("cannot refresh session index ttl", zap.String("user", rec.UserID), zap.Error(err))
	}

	evicted := s.enforceCap(ctx, rec.UserID)

	if s.announcer != nil {
		s.announcer.Announce(ctx, "user", rec.UserID, ReasonCreated, rec.UserID)
		if len(evicted) > 0 {
			s.announcer.Announce(ctx, "user", rec.UserID, ReasonEvicted, rec.UserID, evicted...)
		}
	}
	return rec, nil
}

func (s *Store) indexScore(ctx context.Context, rec Record) float64 {
	score := float64(rec.CreatedAt.UnixMilli()) * indexSlots
	seq, err := s.store.Incr(ctx, seqKey(rec.UserID))
	if err != nil {
		s.logger.Warn("cannot advance session sequence", zap.String("user", rec.UserID), zap.Error(err))
		return score
	}
	if err := s.store.Expire(ctx, seqKey(rec.UserID), s.config.TTL); err != nil {
		s.logger.Warn("cannot refresh session sequence ttl", zap.String("user", rec.UserID), zap.Error(err))
	}
	return score + float64(seq%indexSlots)
}

// enforceCap removes the oldest sessions beyond the cap and returns their
// keys.
func (s *Store) enforceCap(ctx context.Context, userID string) []string {
	index := IndexKey(userID)
	n, err := s.store.ZCard(ctx, index)
	if err != nil {
		s.logger.Warn("cannot count sessions", zap.String("user", userID), zap.Error(err))
		return nil
	}
	excess := n - int64(s.config.MaxSessionsPerUser)
	if excess <= 0 {
		return nil
	}

	oldest, err := s.store.ZRange(ctx, index, 0, excess-1)
	if err != nil {
		s.logger.Warn("cannot read oldest sessions", zap.String("user", userID), zap.Error(err))
		return nil
	}

	keys := make([]string, len(oldest))
	for i, id := range oldest {
		keys[i] = sessionKey(userID, id)
	}
	if _, err := s.store.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cannot evict sessions", zap.String("user", userID), zap.Error(err))
		return nil
	}
	if _, err := s.store.ZRem(ctx, index, oldest...); err != nil {
		s.logger.Warn("cannot unindex evicted sessions", zap.String("user", userID), zap.Error(err))
	}

	for range oldest {
		s.evictions.Add(1)
		s.metrics.RecordSessionEviction()
	}
	s.logger.Info("evicted sessions over cap",
		zap.String("user", userID),
		zap.Int("evicted", len(oldest)),
		zap.Int("cap", s.config.MaxSessionsPerUser),
	)
	return keys
}

func (s *Store) write(ctx context.Context, rec Record) error {
	data, err := s.codec.Seal(rec, true)
	if err != nil {
		s.logger.Error("cannot encode session", zap.String("user", rec.UserID), zap.Error(err))
		return err
	}
	key := sessionKey(rec.UserID, rec.SessionID)
	if err := s.store.Set(ctx, key, data, s.config.TTL); err != nil {
		s.logger.Warn("cannot write session", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// GetSession returns a session and slides its expiry. An empty sessionID
// selects the most recently created session of the user. A missing,
// undecodable or unreachable session is kv.ErrNotFound; when the store is
// degraded the error also matches kv.ErrStoreUnavailable.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (Record, error) {
	if err := validID("user id", userID); err != nil {
		return Record{}, err
	}

	if sessionID == "" {
		ids, err := s.store.ZRevRange(ctx, IndexKey(userID), 0, 0)
		if err != nil {
			return Record{}, s.degradedRead("latest session", userID, err)
		}
		if len(ids) == 0 {
			return Record{}, kv.ErrNotFound
		}
		sessionID = ids[0]
	}

	rec, err := s.read(ctx, userID, sessionID)
	if err != nil {
		return Record{}, err
	}

	rec.LastActivity = s.config.Now().UTC()
	if s.write(ctx, rec) == nil {
		if err := s.store.Expire(ctx, IndexKey(userID), s.config.TTL); err != nil {
			s.logger.Debug("cannot refresh session index ttl", zap.String("user", userID), zap.Error(err))
		}
	}
	return rec, nil
}

func (s *Store) read(ctx context.Context, userID, sessionID string) (Record, error) {
	key := sessionKey(userID, sessionID)
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if kv.IsNotFound(err) {
			s.unindex(ctx, userID, sessionID)
			return Record{}, kv.ErrNotFound
		}
		return Record{}, s.degradedRead("session", key, err)
	}

	var rec Record
	if err := s.codec.DecryptValue(data, &rec); err != nil {
		s.logger.Warn("dropping undecodable session", zap.String("key", key), zap.Error(err))
		return Record{}, errors.Join(kv.ErrNotFound, err)
	}
	return rec, nil
}

// unindex drops a dangling index entry whose record already expired.
func (s *Store) unindex(ctx context.Context, userID string, sessionIDs ...string) {
	if len(sessionIDs) == 0 {
		return
	}
	if _, err := s.store.ZRem(ctx, IndexKey(userID), sessionIDs...); err != nil {
		s.logger.Debug("cannot remove stale index entries", zap.String("user", userID), zap.Error(err))
	}
}

func (s *Store) degradedRead(what, key string, err error) error {
	s.degraded.Add(1)
	s.metrics.RecordFailOpen("session")
	s.logger.Warn("session store unavailable, treating as not found",
		zap.String("read", what),
		zap.String("key", key),
		zap.Error(err),
	)
	return errors.Join(kv.ErrNotFound, err)
}

// UpdateSession rewrites an existing session, keeping its creation time
// and refreshing its expiry.
func (s *Store) UpdateSession(ctx context.Context, rec Record) (Record, error) {
	if err := validID("user id", rec.UserID); err != nil {
		return rec, err
	}
	if err := validID("session id", rec.SessionID); err != nil {
		return rec, err
	}
	existing, err := s.read(ctx, rec.UserID, rec.SessionID)
	if err != nil {
		return rec, err
	}

	rec.CreatedAt = existing.CreatedAt
	rec.LastActivity = s.config.Now().UTC()
	_ = s.write(ctx, rec)
	return rec, nil
}

// ListUserSessions returns a user's live sessions, newest first, without
// sliding their expiry.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]Record, error) {
	if err := validID("user id", userID); err != nil {
		return nil, err
	}
	ids, err := s.store.ZRevRange(ctx, IndexKey(userID), 0, -1)
	if err != nil {
		s.degradedRead("session index", IndexKey(userID), err)
		return nil, nil
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(userID, id)
	}
	values, err := s.store.MGet(ctx, keys...)
	if err != nil {
		s.degradedRead("sessions", IndexKey(userID), err)
		return nil, nil
	}

	out := make([]Record, 0, len(values))
	var stale []string
	for i, data := range values {
		if data == nil {
			stale = append(stale, ids[i])
			continue
		}
		var rec Record
		if err := s.codec.DecryptValue(data, &rec); err != nil {
			s.logger.Warn("skipping undecodable session", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	s.unindex(ctx, userID, stale...)
	return out, nil
}

// DeleteSession removes one session and its index entry. It returns
// kv.ErrNotFound when nothing was stored; store failures are logged only.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := validID("user id", userID); err != nil {
		return err
	}
	if err := validID("session id", sessionID); err != nil {
		return err
	}

	key := sessionKey(userID, sessionID)
	n, err := s.store.Delete(ctx, key)
	if err != nil {
		s.logger.Warn("cannot delete session", zap.String("key", key), zap.Error(err))
		return nil
	}
	s.unindex(ctx, userID, sessionID)
	if n == 0 {
		return kv.ErrNotFound
	}

	if s.announcer != nil {
		s.announcer.Announce(ctx, "user", userID, ReasonDeleted, userID, key)
	}
	return nil
}

// DeleteAllUserSessions removes every session of a user, indexed or not,
// and the index itself.
func (s *Store) DeleteAllUserSessions(ctx context.Context, userID string) (int, error) {
	if err := validID("user id", userID); err != nil {
		return 0, err
	}

	keys, err := s.store.Scan(ctx, userSessionsPattern(userID))
	if err != nil {
		s.logger.Warn("cannot scan user sessions", zap.String("user", userID), zap.Error(err))
		return 0, nil
	}
	ids, err := s.store.ZRange(ctx, IndexKey(userID), 0, -1)
	if err == nil {
		for _, id := range ids {
			keys = append(keys, sessionKey(userID, id))
		}
	}
	keys = append(keys, IndexKey(userID))

	n, err := s.store.Delete(ctx, dedupe(keys)...)
	if err != nil {
		s.logger.Warn("cannot delete user sessions", zap.String("user", userID), zap.Error(err))
		return 0, nil
	}
	if _, err := s.store.Delete(ctx, seqKey(userID)); err != nil {
		s.logger.Warn("cannot delete session sequence", zap.String("user", userID), zap.Error(err))
	}

	// The index itself is not a session.
	deleted := int(n)
	if len(ids) > 0 && deleted > 0 {
		deleted--
	}
	if s.announcer != nil {
		s.announcer.Announce(ctx, "user", userID, ReasonDeleted, userID, userSessionsPattern(userID))
	}
	s.logger.Info("deleted user sessions", zap.String("user", userID), zap.Int("sessions", deleted))
	return deleted, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
