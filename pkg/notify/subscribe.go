package notify

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"cachecoord/pkg/logging"
)

// Callback receives delivered notifications.
type Callback func(Notification)

// registry maps channels to their local callbacks.
type registry struct {
	logger *logging.Logger

	mu       sync.RWMutex
	next     uint64
	channels map[string]map[uint64]Callback
}

func newRegistry(logger *logging.Logger) *registry {
	return &registry{logger: logger, channels: make(map[string]map[uint64]Callback)}
}

// add registers cb and reports whether it is the first on channel.
func (r *registry) add(channel string, cb Callback) (id uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[uint64]Callback)
		r.channels[channel] = set
	}
	set[r.next] = cb
	return r.next, !ok
}

// remove drops a callback and reports whether channel is now empty.
func (r *registry) remove(channel string, id uint64) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channel]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.channels, channel)
		return true
	}
	return false
}

// targets returns the callbacks for a notification addressed to channel:
// that channel's own plus every broadcast subscriber.
func (r *registry) targets(channel string) []Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Callback, 0, len(r.channels[channel])+len(r.channels[ChannelBroadcast]))
	for _, cb := range r.channels[channel] {
		out = append(out, cb)
	}
	if channel != ChannelBroadcast {
		for _, cb := range r.channels[ChannelBroadcast] {
			out = append(out, cb)
		}
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.channels {
		n += len(set)
	}
	return n
}

func (r *registry) reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	r.channels = make(map[string]map[uint64]Callback)
	return out
}

// Subscribe registers cb for userID's notifications. Subscribing as
// SystemRecipient receives every notification delivered to this process.
// The returned function removes the callback.
func (m *Manager) Subscribe(ctx context.Context, userID string, cb Callback) (unsubscribe func(), err error) {
	channel := ChannelFor(userID)
	id, first := m.subs.add(channel, cb)

	if first && m.bus != nil {
		if err := m.bus.Subscribe(ctx, channel, m.handleMessage); err != nil {
			m.subs.remove(channel, id)
			m.logger.Error("cannot subscribe", zap.String("channel", channel), zap.Error(err))
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if m.subs.remove(channel, id) && m.bus != nil {
				if err := m.bus.Unsubscribe(context.Background(), channel); err != nil {
					m.logger.Warn("cannot unsubscribe", zap.String("channel", channel), zap.Error(err))
				}
			}
		})
	}, nil
}

// Subscribers returns the number of registered local callbacks.
func (m *Manager) Subscribers() int {
	return m.subs.count()
}

func (m *Manager) handleMessage(channel string, payload []byte) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		m.logger.Warn("dropping malformed notification", zap.String("channel", channel), zap.Error(err))
		return
	}
	m.deliver(n)
}

// deliver fans n out to its recipient's callbacks and every broadcast
// callback, once per notification id whichever channel it arrived on.
func (m *Manager) deliver(n Notification) {
	if m.seen.Seen(n.ID) {
		m.logger.Debug("dropping duplicate notification", zap.String("id", n.ID))
		return
	}
	for _, cb := range m.subs.targets(ChannelFor(n.RecipientID)) {
		m.safeCall(cb, n)
	}
}

func (m *Manager) safeCall(cb Callback, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("notification subscriber panicked", zap.Any("panic", r), zap.String("id", n.ID))
		}
	}()
	cb(n)
}
