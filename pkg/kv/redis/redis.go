// Package redis implements kv.Store and kv.Bus on github.com/redis/rueidis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
)

type Store struct {
	client rueidis.Client
	name   string
	config Config
	logger *logging.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

var (
	_ kv.Store = (*Store)(nil)
	_ kv.Bus   = (*Store)(nil)
)

type Config struct {
	Name string
	// Addr is the Redis server address for single node mode.
	// For cluster mode, use ClusterAddrs instead.
	// Examples: "localhost:6379", "redis.example.com:6379"
	Addr string
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number (0-15).
	// Note: In cluster mode, only DB 0 is supported.
	DB           int
	KeyPrefix    string
	ScanCount    int64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Sentinel configuration for high availability
	SentinelMasterSet string
	// SentinelAddrs is a list of Redis Sentinel addresses.
	// If set, sentinel mode is enabled.
	SentinelAddrs    []string
	SentinelUsername string
	SentinelPassword string
	// DisableCache turns off client-side caching; required for servers
	// without RESP3 tracking support.
	DisableCache bool
	// AlwaysRESP2 forces the RESP2 protocol.
	AlwaysRESP2 bool
	// ResubscribeBaseDelay and ResubscribeMaxDelay shape the backoff of a
	// subscription whose connection dropped: base*attempt, capped at max.
	ResubscribeBaseDelay time.Duration
	ResubscribeMaxDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Addr:         "localhost:6379",
		ScanCount:    100,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,

		ResubscribeBaseDelay: 100 * time.Millisecond,
		ResubscribeMaxDelay:  5 * time.Second,
	}
}

// ClusterConfig returns a configuration for Redis Cluster mode.
func ClusterConfig(name string, clusterAddrs []string, password string) Config {
	config := DefaultConfig()
	config.Name = name
	config.ClusterAddrs = clusterAddrs
	config.Password = password
	config.Addr = ""
	config.DB = 0
	return config
}

// SentinelConfig returns a configuration for Redis Sentinel mode.
func SentinelConfig(name string, sentinelAddrs []string, masterSet, password string) Config {
	config := DefaultConfig()
	config.Name = name
	config.SentinelAddrs = sentinelAddrs
	config.SentinelMasterSet = masterSet
	config.Password = password
	config.Addr = ""
	return config
}

func New(config Config, logger *logging.Logger) (*Store, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ResubscribeBaseDelay <= 0 {
		config.ResubscribeBaseDelay = 100 * time.Millisecond
	}
	if config.ResubscribeMaxDelay < config.ResubscribeBaseDelay {
		config.ResubscribeMaxDelay = 50 * config.ResubscribeBaseDelay
	}

	var initAddress []string
	if len(config.ClusterAddrs) > 0 {
		initAddress = config.ClusterAddrs
	} else if len(config.SentinelAddrs) > 0 {
		initAddress = config.SentinelAddrs
	} else if config.Addr != "" {
		initAddress = []string{config.Addr}
	} else {
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
		DisableCache:     config.DisableCache,
		AlwaysRESP2:      config.AlwaysRESP2,
	}

	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, kv.Unavailable(fmt.Errorf("redis: failed to create client: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, kv.Unavailable(fmt.Errorf("redis: failed to ping server: %w", err))
	}

	return &Store{
		client: client,
		name:   config.Name,
		config: config,
		logger: logging.OrNop(logger).Named("redis"),
		subs:   make(map[string]context.CancelFunc),
	}, nil
}

func (r *Store) key(k string) string {
	return r.config.KeyPrefix + k
}

// wrap maps rueidis errors onto the kv taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if rueidis.IsRedisNil(err) {
		return kv.ErrKeyNotFound
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := rueidis.IsRedisErr(err); ok {
		// Server replied with an error (wrong type, bad argument): not an outage.
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return kv.Unavailable(fmt.Errorf("redis %s: %w", op, err))
}

func (r *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.key(key)).Build())
	if err := resp.Error(); err != nil {
		return nil, wrap("get", err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}
	return data, nil
}

// MGet pipelines one GET per key so it also works across cluster slots.
func (r *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}

	cmds := make(rueidis.Commands, len(keys))
	for i, key := range keys {
		cmds[i] = r.client.B().Get().Key(r.key(key)).Build()
	}

	out := make([][]byte, len(keys))
	var errs []error
	for i, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			if !rueidis.IsRedisNil(err) {
				errs = append(errs, fmt.Errorf("key %s: %w", keys[i], err))
			}
			continue
		}
		data, err := resp.AsBytes()
		if err != nil {
			errs = append(errs, fmt.Errorf("key %s: failed to read: %w", keys[i], err))
			continue
		}
		out[i] = data
	}

	if len(errs) > 0 {
		return out, wrap("mget", errors.Join(errs...))
	}
	return out, nil
}

func (r *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(r.key(key)).Value(rueidis.BinaryString(value)).Px(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(r.key(key)).Value(rueidis.BinaryString(value)).Build()
	}
	return wrap("set", r.client.Do(ctx, cmd).Error())
}

func (r *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = r.key(key)
	}

	n, err := r.client.Do(ctx, r.client.B().Del().Key(fullKeys...).Build()).AsInt64()
	if err != nil {
		return 0, wrap("del", err)
	}
	return n, nil
}

// Scan walks SCAN cursors until exhausted.
func (r *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	fullPattern := r.key(pattern)
	prefixLen := len(r.config.KeyPrefix)

	keys := make([]string, 0)
	var cursor uint64
	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(fullPattern).Count(r.config.ScanCount).Build()
		entry, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, wrap("scan", err)
		}
		for _, key := range entry.Elements {
			if len(key) >= prefixLen {
				keys = append(keys, key[prefixLen:])
			} else {
				keys = append(keys, key)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Do(ctx, r.client.B().Incr().Key(r.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, wrap("incr", err)
	}
	return n, nil
}

func (r *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	cmd := r.client.B().Pexpire().Key(r.key(key)).Milliseconds(ttl.Milliseconds()).Build()
	return wrap("pexpire", r.client.Do(ctx, cmd).Error())
}

func (r *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ms, err := r.client.Do(ctx, r.client.B().Pttl().Key(r.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, wrap("pttl", err)
	}

	switch ms {
	case -2:
		return 0, kv.ErrKeyNotFound
	case -1:
		return -1, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	cmd := r.client.B().Zadd().Key(r.key(key)).ScoreMember().ScoreMember(score, member).Build()
	return wrap("zadd", r.client.Do(ctx, cmd).Error())
}

func (r *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	cmd := r.client.B().Zrange().Key(r.key(key)).
		Min(strconv.FormatInt(start, 10)).Max(strconv.FormatInt(stop, 10)).Build()
	out, err := r.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, wrap("zrange", err)
	}
	return out, nil
}

func (r *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	cmd := r.client.B().Zrevrange().Key(r.key(key)).Start(start).Stop(stop).Build()
	out, err := r.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, wrap("zrevrange", err)
	}
	return out, nil
}

func (r *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := r.client.Do(ctx, r.client.B().Zrem().Key(r.key(key)).Member(members...).Build()).AsInt64()
	if err != nil {
		return 0, wrap("zrem", err)
	}
	return n, nil
}

func (r *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Do(ctx, r.client.B().Zcard().Key(r.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, wrap("zcard", err)
	}
	return n, nil
}

func (r *Store) DBSize(ctx context.Context) (int64, error) {
	n, err := r.client.Do(ctx, r.client.B().Dbsize().Build()).AsInt64()
	if err != nil {
		return 0, wrap("dbsize", err)
	}
	return n, nil
}

func (r *Store) Info(ctx context.Context, section string) (string, error) {
	var cmd rueidis.Completed
	if section == "" {
		cmd = r.client.B().Info().Build()
	} else {
		cmd = r.client.B().Info().Section(section).Build()
	}
	out, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		return "", wrap("info", err)
	}
	return out, nil
}

func (r *Store) Ping(ctx context.Context) error {
	return wrap("ping", r.client.Do(ctx, r.client.B().Ping().Build()).Error())
}

// FlushDB removes every key in the selected database. Used by tests.
func (r *Store) FlushDB(ctx context.Context) error {
	return wrap("flushdb", r.client.Do(ctx, r.client.B().Flushdb().Build()).Error())
}

func (r *Store) Name() string {
	return r.name
}

func (r *Store) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	cmd := r.client.B().Publish().Channel(channel).Message(rueidis.BinaryString(payload)).Build()
	n, err := r.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, kv.BusUnavailable(fmt.Errorf("redis publish: %w", err))
	}
	return n, nil
}

// Subscribe runs a Receive loop for channel in the background. The loop
// lives until Unsubscribe or Close, independent of ctx, and resubscribes
// with capped backoff whenever the connection drops.
func (r *Store) Subscribe(ctx context.Context, channel string, handler kv.Handler) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return kv.BusUnavailable(fmt.Errorf("redis subscribe: %w", err))
	}

	subCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if old, ok := r.subs[channel]; ok {
		old()
	}
	r.subs[channel] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.receive(subCtx, channel, handler)
	return nil
}

func (r *Store) receive(ctx context.Context, channel string, handler kv.Handler) {
	defer r.wg.Done()

	cmd := r.client.B().Subscribe().Channel(channel).Build()
	attempt := 0
	for {
		started := time.Now()
		err := r.client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
			handler(msg.Channel, []byte(msg.Message))
		})
		if ctx.Err() != nil {
			return
		}

		// A subscription that held for a while starts its backoff over.
		if time.Since(started) > r.config.ResubscribeMaxDelay {
			attempt = 0
		}
		attempt++
		delay := resubscribeDelay(attempt, r.config.ResubscribeBaseDelay, r.config.ResubscribeMaxDelay)
		r.logger.Warn("subscription lost, resubscribing",
			zap.String("channel", channel),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func resubscribeDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	d := time.Duration(attempt) * base
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (r *Store) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	cancel, ok := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return nil
}

func (r *Store) Close() error {
	r.mu.Lock()
	for channel, cancel := range r.subs {
		cancel()
		delete(r.subs, channel)
	}
	r.mu.Unlock()
	r.wg.Wait()

	r.client.Close()
	return nil
}

// Addrs renders the configured addresses for logs.
func (c Config) Addrs() string {
	switch {
	case len(c.ClusterAddrs) > 0:
		return strings.Join(c.ClusterAddrs, ",")
	case len(c.SentinelAddrs) > 0:
		return strings.Join(c.SentinelAddrs, ",")
	default:
		return c.Addr
	}
}
