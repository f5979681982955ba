package cache

import (
	"errors"
	"time"

	"cachecoord/pkg/writer"
)

// DefaultNamespace prefixes every key the manager writes.
const DefaultNamespace = "cache"

// Options configures a Manager.
type Options struct {
	// Namespace prefixes stored keys (default "cache").
	Namespace string

	// DefaultTTL applies when a call passes ttl <= 0 (default 5m).
	DefaultTTL time.Duration

	// MaxTTL caps per-call TTLs; 0 means no cap.
	MaxTTL time.Duration

	// LocalSize is the in-process tier capacity; 0 disables it.
	LocalSize int

	// LocalTTL bounds how long an entry stays in the in-process tier.
	LocalTTL time.Duration

	// NegativeTTL is how long a not-found result is remembered; 0 disables.
	NegativeTTL time.Duration

	// AutoEncrypt encrypts values that carry sensitive-looking fields
	// without the caller asking.
	AutoEncrypt bool

	// ComputeTimeout bounds a shared computation once the caller that
	// started it has gone away; 0 leaves it unbounded.
	ComputeTimeout time.Duration

	// AsyncWrites persists entries through a background writer.
	AsyncWrites bool

	// Writer configures the background writer when AsyncWrites is set.
	Writer writer.Config

	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Namespace:      DefaultNamespace,
		DefaultTTL:     5 * time.Minute,
		LocalSize:      10000,
		LocalTTL:       30 * time.Second,
		NegativeTTL:    30 * time.Second,
		ComputeTimeout: 30 * time.Second,
		AutoEncrypt:    true,
	}
}

var errInvalidOptions = errors.New("cache: invalid options")

// Validate checks the options for impossible values.
func (o *Options) Validate() error {
	if o.DefaultTTL < 0 || o.MaxTTL < 0 || o.LocalTTL < 0 || o.NegativeTTL < 0 || o.LocalSize < 0 || o.ComputeTimeout < 0 {
		return errInvalidOptions
	}
	if o.MaxTTL > 0 && o.DefaultTTL > o.MaxTTL {
		return errInvalidOptions
	}
	return nil
}

// EffectiveTTL returns DefaultTTL for ttl <= 0 and caps at MaxTTL.
func (o *Options) EffectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return o.DefaultTTL
	}
	if o.MaxTTL > 0 && ttl > o.MaxTTL {
		return o.MaxTTL
	}
	return ttl
}

// localTTL is how long an entry with the given store ttl may live locally.
func (o *Options) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < o.LocalTTL {
		return ttl
	}
	return o.LocalTTL
}

// Option adjusts a single cache call.
type Option func(*callOptions)

type callOptions struct {
	encrypt   bool
	skipLocal bool
}

// WithEncryption stores the value encrypted regardless of its fields.
func WithEncryption() Option {
	return func(o *callOptions) { o.encrypt = true }
}

// SkipLocal bypasses the in-process tier for this call.
func SkipLocal() Option {
	return func(o *callOptions) { o.skipLocal = true }
}

func applyOptions(opts []Option) callOptions {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	return co
}
