package memory

import (
	"context"
	"errors"
	"sync"

	"cachecoord/pkg/kv"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("memory bus closed")

// Hub routes published messages to every connected Bus. Several Bus values
// connected to one Hub behave like separate processes on a shared broker.
type Hub struct {
	mu    sync.RWMutex
	conns map[*Bus]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*Bus]struct{})}
}

// Connect returns a new Bus attached to the hub.
func (h *Hub) Connect() *Bus {
	b := &Bus{hub: h, handlers: make(map[string]kv.Handler)}
	h.mu.Lock()
	h.conns[b] = struct{}{}
	h.mu.Unlock()
	return b
}

// NewBus returns a Bus on its own private hub.
func NewBus() *Bus {
	return NewHub().Connect()
}

func (h *Hub) publish(channel string, payload []byte) int64 {
	h.mu.RLock()
	targets := make([]kv.Handler, 0, len(h.conns))
	for b := range h.conns {
		if handler := b.handler(channel); handler != nil {
			targets = append(targets, handler)
		}
	}
	h.mu.RUnlock()

	for _, handler := range targets {
		handler(channel, cloneBytes(payload))
	}
	return int64(len(targets))
}

func (h *Hub) disconnect(b *Bus) {
	h.mu.Lock()
	delete(h.conns, b)
	h.mu.Unlock()
}

// Bus is an in-process kv.Bus. Handlers run synchronously on the
// publishing goroutine.
type Bus struct {
	hub *Hub

	mu       sync.RWMutex
	handlers map[string]kv.Handler
	closed   bool
}

var _ kv.Bus = (*Bus)(nil)

func (b *Bus) handler(channel string) kv.Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	return b.handlers[channel]
}

// Publish delivers payload to every subscriber of channel on the hub.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, kv.BusUnavailable(ErrBusClosed)
	}
	return b.hub.publish(channel, payload), nil
}

// Subscribe registers handler for channel, replacing any previous one.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler kv.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kv.BusUnavailable(ErrBusClosed)
	}
	b.handlers[channel] = handler
	return nil
}

// Unsubscribe removes the handler for channel.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

// Close detaches the bus from its hub.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]kv.Handler)
	b.mu.Unlock()

	b.hub.disconnect(b)
	return nil
}
