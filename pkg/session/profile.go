package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cachecoord/pkg/kv"
)

// profileRecord wraps a cached profile projection with its cache time.
// On decode Profile holds the caller's pointer so the projection lands in
// the caller's type.
type profileRecord struct {
	UserID   string    `json:"userId"`
	CachedAt time.Time `json:"cachedAt"`
	Profile  any       `json:"profile"`
}

// CacheUserProfile stores a profile projection for userID with the
// profile TTL, independent of any session. Store failures are logged only.
func (s *Store) CacheUserProfile(ctx context.Context, userID string, profile any) error {
	if err := validID("user id", userID); err != nil {
		return err
	}

	data, err := s.codec.Seal(profileRecord{
		UserID:   userID,
		CachedAt: s.config.Now().UTC(),
		Profile:  profile,
	}, true)
	if err != nil {
		s.logger.Error("cannot encode profile", zap.String("user", userID), zap.Error(err))
		return err
	}

	key := ProfileKey(userID)
	if err := s.store.Set(ctx, key, data, s.config.ProfileTTL); err != nil {
		s.logger.Warn("cannot cache profile", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// GetCachedProfile decodes the cached profile of userID into out and
// returns when it was cached. A missing, undecodable or unreachable entry
// is kv.ErrNotFound.
func (s *Store) GetCachedProfile(ctx context.Context, userID string, out any) (time.Time, error) {
	if err := validID("user id", userID); err != nil {
		return time.Time{}, err
	}

	key := ProfileKey(userID)
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if kv.IsNotFound(err) {
			return time.Time{}, kv.ErrNotFound
		}
		return time.Time{}, s.degradedRead("profile", key, err)
	}

	env := profileRecord{Profile: out}
	if err := s.codec.DecryptValue(data, &env); err != nil {
		s.logger.Warn("dropping undecodable profile", zap.String("key", key), zap.Error(err))
		return time.Time{}, errors.Join(kv.ErrNotFound, err)
	}
	return env.CachedAt, nil
}

// InvalidateProfileCache drops the cached profile of userID and tells
// other processes to do the same.
func (s *Store) InvalidateProfileCache(ctx context.Context, userID string) error {
	if err := validID("user id", userID); err != nil {
		return err
	}

	key := ProfileKey(userID)
	if _, err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn("cannot invalidate profile", zap.String("key", key), zap.Error(err))
		return nil
	}
	if s.announcer != nil {
		s.announcer.Announce(ctx, "user", userID, ReasonProfileInvalidated, userID, key)
	}
	return nil
}
