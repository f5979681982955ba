// Package kv defines the key-value store and publish/subscribe bus contracts
// every other package builds on, plus the shared error taxonomy and key
// helpers. Drivers live in subpackages (redis, goredis, memory).
package kv

import (
	"context"
	"time"
)

// Store is the key-value store contract.
// All methods must be safe for concurrent use and honor ctx cancellation.
type Store interface {
	// Get returns the value stored at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// MGet returns one entry per key, nil where the key is absent.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// Set stores value at key. A ttl <= 0 stores the key without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Scan returns every key matching the glob pattern using cursor iteration.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a ttl on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live. -1 means no expiry;
	// ErrKeyNotFound means the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ZAdd adds member to the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRange returns members by ascending score rank, inclusive bounds (-1 = last).
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZRevRange returns members by descending score rank, inclusive bounds.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZRem removes members from the sorted set at key.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZCard returns the sorted set cardinality.
	ZCard(ctx context.Context, key string) (int64, error)

	// DBSize returns the number of keys in the selected database.
	DBSize(ctx context.Context) (int64, error)

	// Info returns server information text (Redis INFO format).
	Info(ctx context.Context, section string) (string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Name identifies the driver for logs and metrics.
	Name() string

	// Close releases the underlying connections.
	Close() error
}

// Handler receives a bus message.
type Handler func(channel string, payload []byte)

// Bus is the publish/subscribe contract. A channel holds at most one bus
// handler; components fan messages out to their own subscribers.
type Bus interface {
	// Publish sends payload on channel and returns the number of receivers.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)

	// Subscribe registers handler for channel, replacing any previous one.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// Unsubscribe removes the handler for channel.
	Unsubscribe(ctx context.Context, channel string) error

	// Close stops all subscriptions.
	Close() error
}

// Status describes how a cached read was served.
type Status int

const (
	// StatusMiss means the value was computed because nothing usable was stored.
	StatusMiss Status = iota
	// StatusHit means the value came from the local or shared cache.
	StatusHit
	// StatusDegraded means the store was unavailable and the cache was bypassed.
	StatusDegraded
	// StatusBypass means caching was skipped on purpose (e.g. tombstone or disabled).
	StatusBypass
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusMiss:
		return "miss"
	case StatusHit:
		return "hit"
	case StatusDegraded:
		return "degraded"
	case StatusBypass:
		return "bypass"
	default:
		return "unknown"
	}
}
