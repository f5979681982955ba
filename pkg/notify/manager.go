// Package notify stores user notifications with retention, indexes them per
// recipient and type, and pushes them to live subscribers over the bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cachecoord/pkg/dedupe"
	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
)

// Config configures a Manager.
type Config struct {
	// Retention is how long notifications and their indexes live (default 30 days).
	Retention time.Duration

	// DedupeCapacity sizes the duplicate-delivery filter.
	DedupeCapacity uint

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// DefaultRetention is the notification lifetime when none is configured.
const DefaultRetention = 30 * 24 * time.Hour

// Manager sends, queries and delivers notifications.
type Manager struct {
	store   kv.Store
	bus     kv.Bus
	config  Config
	seen    *dedupe.Filter
	metrics metrics.Collector
	logger  *logging.Logger

	templatesMu sync.RWMutex
	templates   map[string]Template

	subs *registry
}

// New creates a Manager. Without a bus, Send delivers to local subscribers
// directly.
func New(store kv.Store, bus kv.Bus, config Config, collector metrics.Collector, logger *logging.Logger) *Manager {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	m := &Manager{
		store:     store,
		bus:       bus,
		config:    config,
		seen:      dedupe.New(config.DedupeCapacity, 0.001),
		metrics:   metrics.OrNoOp(collector),
		logger:    logging.OrNop(logger).Named("notify"),
		templates: defaultTemplates(),
	}
	m.subs = newRegistry(m.logger)
	return m
}

// RegisterTemplate adds or replaces a template.
func (m *Manager) RegisterTemplate(name string, t Template) {
	m.templatesMu.Lock()
	defer m.templatesMu.Unlock()
	m.templates[name] = t
}

// Template returns a registered template.
func (m *Manager) Template(name string) (Template, bool) {
	m.templatesMu.RLock()
	defer m.templatesMu.RUnlock()
	t, ok := m.templates[name]
	return t, ok
}

// Send persists n, indexes it and publishes it on the recipient's channel,
// or the broadcast channel for SystemRecipient. User notifications are also
// mirrored on the broadcast channel. Missing ID, timestamps,
// type, priority and status are filled. Store and bus failures are
// returned; a publish failure still leaves the notification stored.
func (m *Manager) Send(ctx context.Context, n Notification) (Notification, error) {
	if n.RecipientID == "" || n.Title == "" {
		return n, fmt.Errorf("%w: recipient and title are required", ErrInvalidNotification)
	}
	if strings.ContainsAny(n.RecipientID, "*?[]") {
		return n, fmt.Errorf("%w: recipient %q", kv.ErrInvalidKey, n.RecipientID)
	}

	now := m.config.Now().UTC()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = n.CreatedAt.Add(m.config.Retention)
	}
	if n.Type == "" {
		n.Type = TypeInfo
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.Status == "" {
		n.Status = StatusUnread
	}

	ttl := n.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return n, fmt.Errorf("%w: already expired", ErrInvalidNotification)
	}

	data, err := json.Marshal(n)
	if err != nil {
		return n, fmt.Errorf("notify: marshal: %w", err)
	}
	if err := m.store.Set(ctx, recordKey(n.ID), data, ttl); err != nil {
		m.logger.Error("cannot store notification", zap.String("id", n.ID), zap.Error(err))
		return n, err
	}

	score := float64(n.CreatedAt.UnixMilli())
	for _, index := range []string{UserIndexKey(n.RecipientID), TypeIndexKey(n.Type)} {
		if err := m.store.ZAdd(ctx, index, score, n.ID); err != nil {
			m.logger.Error("cannot index notification", zap.String("index", index), zap.Error(err))
			return n, err
		}
		if err := m.store.Expire(ctx, index, m.config.Retention); err != nil {
			m.logger.Warn("cannot refresh index ttl", zap.String("index", index), zap.Error(err))
		}
	}

	m.metrics.RecordNotification(string(n.Type))
	m.logger.Info("notification sent",
		zap.String("id", n.ID),
		zap.String("recipient", n.RecipientID),
		zap.String("type", string(n.Type)),
	)

	return n, m.publish(ctx, n)
}

// publish sends n on its recipient's channel. User notifications are
// mirrored on the broadcast channel so broadcast subscribers in every
// process see them; receivers drop the second copy by id.
func (m *Manager) publish(ctx context.Context, n Notification) error {
	channel := ChannelFor(n.RecipientID)
	if m.bus == nil {
		m.deliver(n)
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if _, err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.logger.Error("cannot publish notification", zap.String("channel", channel), zap.Error(err))
		return err
	}
	if channel != ChannelBroadcast {
		if _, err := m.bus.Publish(ctx, ChannelBroadcast, payload); err != nil {
			m.logger.Warn("cannot mirror notification to broadcast", zap.String("id", n.ID), zap.Error(err))
		}
	}
	return nil
}

// CreateAndSend renders a registered template and sends the result. vars
// fill the template and are attached as Data.
func (m *Manager) CreateAndSend(ctx context.Context, recipientID, senderID, template string, vars map[string]string) (Notification, error) {
	t, ok := m.Template(template)
	if !ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, template)
	}
	t = t.render(vars)

	var data map[string]any
	if len(vars) > 0 {
		data = make(map[string]any, len(vars)+1)
		for k, v := range vars {
			data[k] = v
		}
		data["template"] = template
	}

	return m.Send(ctx, Notification{
		Type:        t.Type,
		Priority:    t.Priority,
		Title:       t.Title,
		Message:     t.Message,
		ActionURL:   t.ActionURL,
		RecipientID: recipientID,
		SenderID:    senderID,
		Data:        data,
	})
}

// Get returns one notification. A missing or expired notification is
// kv.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Notification, error) {
	data, err := m.store.Get(ctx, recordKey(id))
	if err != nil {
		if kv.IsNotFound(err) {
			return Notification{}, kv.ErrNotFound
		}
		return Notification{}, err
	}

	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		m.logger.Warn("undecodable notification", zap.String("id", id), zap.Error(err))
		return Notification{}, errors.Join(kv.ErrNotFound, fmt.Errorf("%w: %v", kv.ErrDecodeFailure, err))
	}
	if n.Expired(m.config.Now()) {
		return Notification{}, kv.ErrNotFound
	}
	return n, nil
}

// GetUserNotifications returns a page of userID's notifications, newest
// first. Paging is by index rank; filters apply to the fetched page.
func (m *Manager) GetUserNotifications(ctx context.Context, userID string, q Query) ([]Notification, error) {
	q = q.normalized()
	index := UserIndexKey(userID)

	ids, err := m.store.ZRevRange(ctx, index, int64(q.Offset), int64(q.Offset+q.Limit-1))
	if err != nil {
		m.logger.Warn("cannot read notification index", zap.String("index", index), zap.Error(err))
		return nil, err
	}

	all, err := m.fetch(ctx, index, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(all))
	for _, n := range all {
		if q.match(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// fetch loads ids in one round trip, dropping expired or vanished entries
// from index.
func (m *Manager) fetch(ctx context.Context, index string, ids []string) ([]Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	values, err := m.store.MGet(ctx, keys...)
	if err != nil {
		m.logger.Warn("cannot fetch notifications", zap.String("index", index), zap.Error(err))
		return nil, err
	}

	now := m.config.Now()
	out := make([]Notification, 0, len(values))
	var stale []string
	for i, data := range values {
		if data == nil {
			stale = append(stale, ids[i])
			continue
		}
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			m.logger.Warn("skipping undecodable notification", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		if n.Expired(now) {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, n)
	}

	if len(stale) > 0 {
		if _, err := m.store.ZRem(ctx, index, stale...); err != nil {
			m.logger.Debug("cannot drop stale index entries", zap.String("index", index), zap.Error(err))
		}
	}
	return out, nil
}

// userNotifications loads every live notification of userID.
func (m *Manager) userNotifications(ctx context.Context, userID string) ([]Notification, error) {
	index := UserIndexKey(userID)
	ids, err := m.store.ZRevRange(ctx, index, 0, -1)
	if err != nil {
		return nil, err
	}
	return m.fetch(ctx, index, ids)
}

// UnreadCount returns the number of unread notifications of userID.
func (m *Manager) UnreadCount(ctx context.Context, userID string) (int, error) {
	all, err := m.userNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, x := range all {
		if x.Status == StatusUnread {
			n++
		}
	}
	return n, nil
}

// Stats counts userID's notifications by status, type and priority.
// Deleted notifications are excluded.
func (m *Manager) Stats(ctx context.Context, userID string) (Stats, error) {
	st := Stats{ByType: make(map[Type]int), ByPriority: make(map[Priority]int)}
	all, err := m.userNotifications(ctx, userID)
	if err != nil {
		return st, err
	}
	for _, n := range all {
		if n.Status == StatusDeleted {
			continue
		}
		st.Total++
		if n.Status == StatusUnread {
			st.Unread++
		}
		st.ByType[n.Type]++
		st.ByPriority[n.Priority]++
	}
	return st, nil
}

// Close unsubscribes every channel this manager listens on.
func (m *Manager) Close() error {
	channels := m.subs.reset()
	if m.bus == nil {
		return nil
	}
	var errs []error
	for _, ch := range channels {
		if err := m.bus.Unsubscribe(context.Background(), ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
