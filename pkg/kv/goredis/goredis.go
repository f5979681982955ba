// Package goredis implements kv.Store and kv.Bus on github.com/redis/go-redis/v9.
package goredis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
)

// Config holds configuration for the go-redis driver.
type Config struct {
	// Name is the store identifier
	Name string

	// URL is a redis:// connection string. Takes precedence over Addrs.
	URL string

	// Addrs are host:port pairs. More than one selects a cluster client.
	Addrs []string

	Password string
	DB       int

	// KeyPrefix is prepended to every key and stripped from scan results.
	KeyPrefix string

	// ScanCount is the COUNT hint for SCAN iterations.
	ScanCount int64

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store is a kv.Store and kv.Bus backed by a go-redis universal client.
type Store struct {
	client redis.UniversalClient
	config Config
	logger *logging.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
	wg   sync.WaitGroup
}

var (
	_ kv.Store = (*Store)(nil)
	_ kv.Bus   = (*Store)(nil)
)

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, config Config, logger *logging.Logger) (*Store, error) {
	if config.Name == "" {
		config.Name = "goredis"
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}

	var client redis.UniversalClient
	if config.URL != "" {
		opt, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if config.PoolSize > 0 {
			opt.PoolSize = config.PoolSize
		}
		client = redis.NewClient(opt)
	} else {
		addrs := config.Addrs
		if len(addrs) == 0 {
			addrs = []string{"localhost:6379"}
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        addrs,
			Password:     config.Password,
			DB:           config.DB,
			PoolSize:     config.PoolSize,
			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, kv.Unavailable(fmt.Errorf("ping: %w", err))
	}

	return NewFromClient(client, config, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client redis.UniversalClient, config Config, logger *logging.Logger) *Store {
	if config.Name == "" {
		config.Name = "goredis"
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}
	return &Store{
		client: client,
		config: config,
		logger: logging.OrNop(logger).Named("goredis"),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Client exposes the underlying client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

func (s *Store) key(k string) string {
	return s.config.KeyPrefix + k
}

func (s *Store) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return kv.ErrKeyNotFound
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return kv.Unavailable(err)
}

// Get retrieves a value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return nil, s.wrap(err)
	}
	return b, nil
}

// MGet retrieves several values.
func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	vals, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

// Set stores a value.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.wrap(s.client.Set(ctx, s.key(key), value, ttl).Err())
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, full...).Result()
	return n, s.wrap(err)
}

// Scan iterates SCAN cursors until exhausted.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, s.key(pattern), s.config.ScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.config.KeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return keys, nil
}

// Incr increments the integer at key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(key)).Result()
	return n, s.wrap(err)
}

// Expire sets a ttl on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.wrap(s.client.Expire(ctx, s.key(key), ttl).Err())
}

// TTL returns the remaining time to live.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.wrap(err)
	}
	switch d {
	case -2:
		return 0, kv.ErrKeyNotFound
	case -1:
		return -1, nil
	}
	return d, nil
}

// ZAdd adds member to the sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.wrap(s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err())
}

// ZRange returns members by ascending score.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	out, err := s.client.ZRange(ctx, s.key(key), start, stop).Result()
	return out, s.wrap(err)
}

// ZRevRange returns members by descending score.
func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	out, err := s.client.ZRevRange(ctx, s.key(key), start, stop).Result()
	return out, s.wrap(err)
}

// ZRem removes members.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, s.key(key), args...).Result()
	return n, s.wrap(err)
}

// ZCard returns the sorted set cardinality.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.key(key)).Result()
	return n, s.wrap(err)
}

// DBSize returns the number of keys.
func (s *Store) DBSize(ctx context.Context) (int64, error) {
	n, err := s.client.DBSize(ctx).Result()
	return n, s.wrap(err)
}

// Info returns INFO text for section, or all sections when empty.
func (s *Store) Info(ctx context.Context, section string) (string, error) {
	var cmd *redis.StringCmd
	if section == "" {
		cmd = s.client.Info(ctx)
	} else {
		cmd = s.client.Info(ctx, section)
	}
	out, err := cmd.Result()
	return out, s.wrap(err)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.wrap(s.client.Ping(ctx).Err())
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.config.Name
}

// Publish sends payload on channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := s.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, kv.BusUnavailable(err)
	}
	return n, nil
}

// Subscribe opens a dedicated PubSub connection for channel and dispatches
// messages to handler until Unsubscribe or Close.
func (s *Store) Subscribe(ctx context.Context, channel string, handler kv.Handler) error {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return kv.BusUnavailable(err)
	}

	s.mu.Lock()
	if old, ok := s.subs[channel]; ok {
		old.Close()
	}
	s.subs[channel] = ps
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range ps.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
		s.logger.Debug("subscription ended", zap.String("channel", channel))
	}()
	return nil
}

// Unsubscribe closes the subscription for channel.
func (s *Store) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	ps, ok := s.subs[channel]
	delete(s.subs, channel)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return ps.Close()
}

// Close closes every subscription and the client.
func (s *Store) Close() error {
	s.mu.Lock()
	for channel, ps := range s.subs {
		ps.Close()
		delete(s.subs, channel)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.client.Close()
}
