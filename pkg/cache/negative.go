package cache

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"
)

// tombstone is persisted in place of a value when the computation reported
// kv.ErrNotFound, so other processes skip the lookup too.
var tombstone = []byte("\x00cachecoord:not-found")

func isTombstone(data []byte) bool {
	return bytes.Equal(data, tombstone)
}

// rememberMissing stores a tombstone for key in both tiers.
func (m *Manager) rememberMissing(ctx context.Context, storeKey string, co callOptions) {
	ttl := m.opts.NegativeTTL
	if ttl <= 0 {
		return
	}

	if !co.skipLocal {
		m.local.put(storeKey, nil, true, ttl)
	}
	if err := m.persist(ctx, storeKey, tombstone, ttl); err != nil {
		m.logger.Debug("tombstone not persisted", zap.String("key", storeKey), zap.Error(err))
	}
	m.negatives.Add(1)
}

// NegativeTTL reports how long not-found results are remembered.
func (m *Manager) NegativeTTL() time.Duration {
	return m.opts.NegativeTTL
}
