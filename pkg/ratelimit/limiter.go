// Package ratelimit enforces per-identity request quotas with fixed-window
// counters kept in the shared store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"cachecoord/pkg/cache"
	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
)

var (
	// ErrUnknownProfile is returned for profile names missing from the table.
	ErrUnknownProfile = errors.New("ratelimit: unknown profile")

	// ErrInvalidProfile is returned by Profile.Validate.
	ErrInvalidProfile = errors.New("ratelimit: invalid profile")
)

// Result is the outcome of one Check.
type Result struct {
	Allowed      bool          `json:"allowed"`
	Limit        int64         `json:"limit"`
	Remaining    int64         `json:"remaining"`
	ResetAt      time.Time     `json:"resetAt"`
	RetryAfter   time.Duration `json:"retryAfter,omitempty"`
	Blocked      bool          `json:"blocked"`
	BlockExpires time.Time     `json:"blockExpires,omitempty"`

	// Degraded is set when the store could not be consulted and the
	// request was allowed without counting.
	Degraded bool `json:"degraded,omitempty"`
}

// Limiter checks requests against a profile table. It keeps no per-request
// state; every counter lives in the store.
type Limiter struct {
	store    kv.Store
	profiles map[string]Profile
	now      func() time.Time
	metrics  metrics.Collector
	logger   *logging.Logger
}

// New creates a Limiter. A nil profiles map uses DefaultProfiles; now
// defaults to time.Now.
func New(store kv.Store, profiles map[string]Profile, now func() time.Time, collector metrics.Collector, logger *logging.Logger) (*Limiter, error) {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	table := make(map[string]Profile, len(profiles))
	for name, p := range profiles {
		if p.Name == "" {
			p.Name = name
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		table[p.Name] = p
	}
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		store:    store,
		profiles: table,
		now:      now,
		metrics:  metrics.OrNoOp(collector),
		logger:   logging.OrNop(logger).Named("ratelimit"),
	}, nil
}

// Profile returns the named profile.
func (l *Limiter) Profile(name string) (Profile, error) {
	p, ok := l.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p, nil
}

// Profiles returns the table sorted by name.
func (l *Limiter) Profiles() []Profile {
	out := make([]Profile, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check counts r against the named profile.
//
// An unexpired block marker rejects immediately. Otherwise the window is
// reset when it has elapsed, or the counter is incremented atomically.
// Exceeding the limit rejects the request and, when the profile has a block
// duration, writes a block marker with that TTL.
//
// Store failures allow the request with Degraded set.
func (l *Limiter) Check(ctx context.Context, profile string, r Request) (Result, error) {
	p, err := l.Profile(profile)
	if err != nil {
		return Result{}, err
	}
	k := p.keys(r)
	now := l.now()

	if until, ok, err := l.readMillis(ctx, k.block); err != nil {
		return l.failOpen(p, k.base, err), nil
	} else if ok && until.After(now) {
		l.metrics.RecordRateLimit(p.Name, false)
		return Result{
			Limit:        p.MaxRequests,
			ResetAt:      until,
			RetryAfter:   until.Sub(now),
			Blocked:      true,
			BlockExpires: until,
		}, nil
	}

	start, ok, err := l.readMillis(ctx, k.window)
	if err != nil {
		return l.failOpen(p, k.base, err), nil
	}

	var count int64
	if !ok || now.Sub(start) >= p.Window || start.After(now) {
		start = now
		if err := l.store.Set(ctx, k.window, formatMillis(now), p.Window); err != nil {
			return l.failOpen(p, k.base, err), nil
		}
		if err := l.store.Set(ctx, k.count, []byte("1"), p.Window); err != nil {
			return l.failOpen(p, k.base, err), nil
		}
		count = 1
	} else {
		count, err = l.store.Incr(ctx, k.count)
		if err != nil {
			return l.failOpen(p, k.base, err), nil
		}
		if count == 1 {
			// The counter expired ahead of the window marker.
			if err := l.store.Expire(ctx, k.count, start.Add(p.Window).Sub(now)); err != nil {
				l.logger.Warn("cannot expire counter", zap.String("key", k.count), zap.Error(err))
			}
		}
	}

	resetAt := start.Add(p.Window)
	res := Result{
		Allowed:   count <= p.MaxRequests,
		Limit:     p.MaxRequests,
		Remaining: max(0, p.MaxRequests-count),
		ResetAt:   resetAt,
	}

	if !res.Allowed {
		res.Blocked = true
		res.RetryAfter = resetAt.Sub(now)
		res.BlockExpires = resetAt
		if p.BlockDuration > 0 {
			until := now.Add(p.BlockDuration)
			res.RetryAfter = p.BlockDuration
			res.BlockExpires = until
			if err := l.store.Set(ctx, k.block, formatMillis(until), p.BlockDuration); err != nil {
				l.logger.Warn("cannot write block marker", zap.String("key", k.block), zap.Error(err))
			}
		}
		l.logger.Info("rate limit exceeded",
			zap.String("profile", p.Name),
			zap.String("key", k.base),
			zap.Int64("count", count),
			zap.Duration("retry_after", res.RetryAfter),
		)
	}

	l.metrics.RecordRateLimit(p.Name, res.Allowed)
	return res, nil
}

func (l *Limiter) failOpen(p Profile, key string, err error) Result {
	l.metrics.RecordFailOpen("ratelimit")
	l.metrics.RecordRateLimit(p.Name, true)
	l.logger.Warn("rate limit store unavailable, allowing request",
		zap.String("profile", p.Name),
		zap.String("key", key),
		zap.String("error_type", kv.ClassifyError(err)),
		zap.Error(err),
	)
	return Result{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: math.MaxInt64,
		ResetAt:   l.now().Add(p.Window),
		Degraded:  true,
	}
}

// readMillis reads a unix-millisecond timestamp. ok is false for a missing
// or unparsable value.
func (l *Limiter) readMillis(ctx context.Context, key string) (t time.Time, ok bool, err error) {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		if kv.IsNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	ms, perr := strconv.ParseInt(string(data), 10, 64)
	if perr != nil {
		l.logger.Warn("ignoring malformed rate limit value", zap.String("key", key))
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func formatMillis(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}

// Stats describes the current counter state of one key.
type Stats struct {
	Profile      string    `json:"profile"`
	Key          string    `json:"key"`
	Count        int64     `json:"count"`
	Limit        int64     `json:"limit"`
	Remaining    int64     `json:"remaining"`
	WindowStart  time.Time `json:"windowStart,omitempty"`
	ResetAt      time.Time `json:"resetAt,omitempty"`
	Blocked      bool      `json:"blocked"`
	BlockExpires time.Time `json:"blockExpires,omitempty"`
}

// identityRequest keys identity as both identity and IP so operator calls
// work for every strategy.
func identityRequest(identity, endpoint string) Request {
	return Request{Identity: identity, IP: identity, Endpoint: endpoint}
}

// GetStats reads the counter state for identity (an IP for ip strategies)
// without counting a request.
func (l *Limiter) GetStats(ctx context.Context, profile, identity, endpoint string) (Stats, error) {
	p, err := l.Profile(profile)
	if err != nil {
		return Stats{}, err
	}
	k := p.keys(identityRequest(identity, endpoint))
	now := l.now()

	st := Stats{Profile: p.Name, Key: k.base, Limit: p.MaxRequests, Remaining: p.MaxRequests}

	start, ok, err := l.readMillis(ctx, k.window)
	if err != nil {
		return st, err
	}
	if ok && now.Sub(start) < p.Window {
		st.WindowStart = start
		st.ResetAt = start.Add(p.Window)

		data, err := l.store.Get(ctx, k.count)
		switch {
		case err == nil:
			st.Count, _ = strconv.ParseInt(string(data), 10, 64)
		case !kv.IsNotFound(err):
			return st, err
		}
		st.Remaining = max(0, p.MaxRequests-st.Count)
	}

	until, ok, err := l.readMillis(ctx, k.block)
	if err != nil {
		return st, err
	}
	if ok && until.After(now) {
		st.Blocked = true
		st.BlockExpires = until
	}
	return st, nil
}

// Reset clears counters and block markers for identity under profile. An
// empty endpoint clears every endpoint of the identity.
func (l *Limiter) Reset(ctx context.Context, profile, identity, endpoint string) (int, error) {
	p, err := l.Profile(profile)
	if err != nil {
		return 0, err
	}

	req := identityRequest(identity, endpoint)
	endpointScoped := p.Strategy == StrategyIdentityEndpoint || p.Strategy == StrategyIPEndpoint
	if endpoint == "" && endpointScoped {
		prefix := keyPrefix + kv.EscapeGlob(p.Name) + ":"
		if p.Strategy == StrategyIPEndpoint {
			prefix += "ip=" + kv.EscapeGlob(orDefault(identity, "unknown"))
		} else {
			prefix += "id=" + kv.EscapeGlob(orDefault(identity, "anonymous"))
		}
		return l.deletePattern(ctx, prefix+":*")
	}

	k := p.keys(req)
	n, err := l.store.Delete(ctx, k.count, k.window, k.block)
	if err != nil {
		l.logger.Error("rate limit reset failed", zap.String("key", k.base), zap.Error(err))
		return 0, err
	}
	l.logger.Info("rate limit reset", zap.String("key", k.base))
	return int(n), nil
}

// ResetAll clears every counter keyed on identity, across profiles and
// endpoints.
func (l *Limiter) ResetAll(ctx context.Context, identity string) (int, error) {
	if identity == "" {
		return 0, fmt.Errorf("%w: empty identity", kv.ErrInvalidKey)
	}
	esc := kv.EscapeGlob(identity)

	var errs []error
	total := 0
	for _, pattern := range []string{keyPrefix + "*:id=" + esc + ":*", keyPrefix + "*:ip=" + esc + ":*"} {
		n, err := l.deletePattern(ctx, pattern)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (l *Limiter) deletePattern(ctx context.Context, pattern string) (int, error) {
	n, err := cache.DeleteMatching(ctx, l.store, pattern)
	if err != nil {
		l.logger.Error("rate limit reset failed", zap.String("pattern", pattern), zap.Error(err))
		return n, err
	}
	l.logger.Info("rate limit reset", zap.String("pattern", pattern), zap.Int("keys", n))
	return n, nil
}
