package notify

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

const cleanupBatch = 200

// CleanupExpiredNotifications hard-deletes notifications past their expiry,
// along with their index entries, and returns how many were removed.
func (m *Manager) CleanupExpiredNotifications(ctx context.Context) (int, error) {
	keys, err := m.store.Scan(ctx, recordPrefix+"*")
	if err != nil {
		m.logger.Error("cannot scan notifications", zap.Error(err))
		return 0, err
	}

	now := m.config.Now()
	removed := 0
	for i := 0; i < len(keys); i += cleanupBatch {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		batch := keys[i:min(i+cleanupBatch, len(keys))]
		values, err := m.store.MGet(ctx, batch...)
		if err != nil {
			return removed, err
		}

		for j, data := range values {
			if data == nil {
				continue
			}
			var n Notification
			if err := json.Unmarshal(data, &n); err != nil {
				// Unreadable records can never be served; drop them too.
				n = Notification{ID: strings.TrimPrefix(batch[j], recordPrefix)}
			} else if !n.Expired(now) {
				continue
			}
			if err := m.remove(ctx, n); err != nil {
				return removed, err
			}
			removed++
		}
	}

	m.logger.Info("notification cleanup finished", zap.Int("scanned", len(keys)), zap.Int("removed", removed))
	return removed, nil
}
