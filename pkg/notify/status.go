package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"cachecoord/pkg/kv"
)

// authorize allows the recipient and the system actor.
func authorize(n Notification, actorID string) error {
	if actorID == n.RecipientID || actorID == SystemRecipient {
		return nil
	}
	return fmt.Errorf("%w: %s may not modify notification %s", kv.ErrPermissionDenied, actorID, n.ID)
}

// MarkAsRead marks a notification read on behalf of actorID. Marking an
// already read notification is a no-op.
func (m *Manager) MarkAsRead(ctx context.Context, id, actorID string) (Notification, error) {
	return m.transition(ctx, id, actorID, StatusRead)
}

// Archive moves a notification out of the inbox on behalf of actorID.
func (m *Manager) Archive(ctx context.Context, id, actorID string) (Notification, error) {
	return m.transition(ctx, id, actorID, StatusArchived)
}

func (m *Manager) transition(ctx context.Context, id, actorID string, to Status) (Notification, error) {
	n, err := m.Get(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if err := authorize(n, actorID); err != nil {
		m.logger.Warn("notification change denied",
			zap.String("id", id), zap.String("actor", actorID), zap.String("status", string(to)))
		return n, err
	}
	if n.Status == to || n.Status == StatusDeleted {
		return n, nil
	}
	return m.save(ctx, n, to)
}

func (m *Manager) save(ctx context.Context, n Notification, to Status) (Notification, error) {
	now := m.config.Now().UTC()
	n.Status = to
	if to == StatusRead && n.ReadAt == nil {
		n.ReadAt = &now
	}

	ttl := n.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return Notification{}, kv.ErrNotFound
	}
	data, err := json.Marshal(n)
	if err != nil {
		return n, fmt.Errorf("notify: marshal: %w", err)
	}
	if err := m.store.Set(ctx, recordKey(n.ID), data, ttl); err != nil {
		m.logger.Error("cannot update notification", zap.String("id", n.ID), zap.Error(err))
		return n, err
	}
	return n, nil
}

// MarkAllAsRead marks every unread notification of userID read and returns
// how many changed.
func (m *Manager) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	all, err := m.userNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, n := range all {
		if n.Status != StatusUnread || n.RecipientID != userID {
			continue
		}
		if _, err := m.save(ctx, n, StatusRead); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Delete removes a notification and its index entries on behalf of actorID.
func (m *Manager) Delete(ctx context.Context, id, actorID string) error {
	n, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := authorize(n, actorID); err != nil {
		m.logger.Warn("notification delete denied", zap.String("id", id), zap.String("actor", actorID))
		return err
	}
	return m.remove(ctx, n)
}

func (m *Manager) remove(ctx context.Context, n Notification) error {
	if _, err := m.store.Delete(ctx, recordKey(n.ID)); err != nil {
		m.logger.Error("cannot delete notification", zap.String("id", n.ID), zap.Error(err))
		return err
	}
	var indexes []string
	if n.RecipientID != "" {
		indexes = append(indexes, UserIndexKey(n.RecipientID))
	}
	if n.Type != "" {
		indexes = append(indexes, TypeIndexKey(n.Type))
	}
	for _, index := range indexes {
		if _, err := m.store.ZRem(ctx, index, n.ID); err != nil {
			m.logger.Warn("cannot unindex notification", zap.String("index", index), zap.Error(err))
		}
	}
	return nil
}
