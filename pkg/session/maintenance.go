package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"cachecoord/pkg/kv"
)

// CleanupExpiredSessions walks every session index, removing entries whose
// record is gone or idle past the TTL, and deletes indexes left empty. It
// returns the number of entries removed.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	indexes, err := s.store.Scan(ctx, indexPrefix+"*")
	if err != nil {
		s.logger.Warn("cannot scan session indexes", zap.Error(err))
		return 0, err
	}

	now := s.config.Now()
	removed := 0
	for _, index := range indexes {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := s.cleanupIndex(ctx, index, now)
		removed += n
		if err != nil {
			s.logger.Warn("session cleanup failed", zap.String("index", index), zap.Error(err))
		}
	}

	s.logger.Info("session cleanup finished", zap.Int("indexes", len(indexes)), zap.Int("removed", removed))
	return removed, nil
}

func (s *Store) cleanupIndex(ctx context.Context, index string, now time.Time) (int, error) {
	userID := strings.TrimPrefix(index, indexPrefix)
	ids, err := s.store.ZRange(ctx, index, 0, -1)
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(userID, id)
	}
	values, err := s.store.MGet(ctx, keys...)
	if err != nil {
		return 0, err
	}

	var stale, idle []string
	for i, data := range values {
		if data == nil {
			stale = append(stale, ids[i])
			continue
		}
		var rec Record
		if err := s.codec.DecryptValue(data, &rec); err != nil {
			stale = append(stale, ids[i])
			idle = append(idle, keys[i])
			continue
		}
		if now.Sub(rec.LastActivity) > s.config.TTL {
			stale = append(stale, ids[i])
			idle = append(idle, keys[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if len(idle) > 0 {
		if _, err := s.store.Delete(ctx, idle...); err != nil {
			return 0, err
		}
	}
	if _, err := s.store.ZRem(ctx, index, stale...); err != nil {
		return 0, err
	}
	if len(stale) == len(ids) {
		if _, err := s.store.Delete(ctx, index); err != nil {
			return len(stale), err
		}
	}
	return len(stale), nil
}

// GetSessionStats counts indexed sessions per user.
func (s *Store) GetSessionStats(ctx context.Context) (Stats, error) {
	st := Stats{
		Evictions:       s.evictions.Load(),
		DegradedReads:   s.degraded.Load(),
		SessionLimit:    s.config.MaxSessionsPerUser,
		SessionTTL:      s.config.TTL.String(),
		ProfileCacheTTL: s.config.ProfileTTL.String(),
	}

	indexes, err := s.store.Scan(ctx, indexPrefix+"*")
	if err != nil {
		return st, err
	}

	for _, index := range indexes {
		n, err := s.store.ZCard(ctx, index)
		if err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return st, err
		}
		if n == 0 {
			continue
		}
		st.ActiveUsers++
		st.TotalSessions += n
		st.MaxPerUser = max(st.MaxPerUser, n)

		userID := strings.TrimPrefix(index, indexPrefix)
		oldest, err := s.store.ZRange(ctx, index, 0, 0)
		if err != nil || len(oldest) == 0 {
			continue
		}
		data, err := s.store.Get(ctx, sessionKey(userID, oldest[0]))
		if err != nil {
			continue
		}
		var rec Record
		if s.codec.DecryptValue(data, &rec) == nil && (st.OldestSession.IsZero() || rec.CreatedAt.Before(st.OldestSession)) {
			st.OldestSession = rec.CreatedAt
		}
	}

	if st.ActiveUsers > 0 {
		st.AveragePerUser = float64(st.TotalSessions) / float64(st.ActiveUsers)
	}
	return st, nil
}
