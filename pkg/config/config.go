// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML file of rate-limit profiles.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"cachecoord/pkg/cache"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/notify"
	"cachecoord/pkg/ratelimit"
	"cachecoord/pkg/resilience"
	"cachecoord/pkg/session"
)

// Store drivers.
const (
	DriverRedis   = "redis"
	DriverGoRedis = "goredis"
	DriverMemory  = "memory"
)

// MinEncryptionKeyLen is the shortest accepted CACHE_ENCRYPTION_KEY.
const MinEncryptionKeyLen = 16

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// StoreConfig selects and addresses the key-value backend.
type StoreConfig struct {
	Driver string
	// Addrs holds one address, or several for a cluster.
	Addrs       []string
	Username    string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
	PoolSize    int
}

// Config is the full process configuration.
type Config struct {
	Store      StoreConfig
	Resilience resilience.Config

	// EncryptionKey enables encryption of sensitive values when set.
	EncryptionKey string

	Cache    cache.Options
	Session  session.Config
	Notify   notify.Config
	Profiles map[string]ratelimit.Profile

	// ProfilesFile is the YAML file the profiles were merged from, if any.
	ProfilesFile string

	AdminAddr  string
	InstanceID string
	Logging    logging.Config
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:      DriverRedis,
			Addrs:       []string{"localhost:6379"},
			DialTimeout: 5 * time.Second,
			PoolSize:    10,
		},
		Resilience: resilience.DefaultConfig(),
		Cache:      cache.DefaultOptions(),
		Session:    session.DefaultConfig(),
		Notify:     notify.Config{Retention: notify.DefaultRetention},
		Profiles:   ratelimit.DefaultProfiles(),
		AdminAddr:  ":9090",
		Logging:    logging.DefaultConfig(),
	}
}

// Load reads envFiles (".env" when none are given; a missing file is not an
// error), then the environment, then the profiles file, and validates the
// result.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	c, err := FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	if c.ProfilesFile != "" {
		profiles, err := LoadProfiles(c.ProfilesFile)
		if err != nil {
			return nil, err
		}
		for name, p := range profiles {
			c.Profiles[name] = p
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromEnv builds a Config from getenv without validating it.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	if v := getenv("KV_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Store.Addrs = splitList(v)
	}
	c.Store.Username = getenv("REDIS_USERNAME")
	c.Store.Password = getenv("REDIS_PASSWORD")
	c.Store.KeyPrefix = getenv("REDIS_KEY_PREFIX")
	p.int("REDIS_DB", &c.Store.DB)
	p.int("REDIS_POOL_SIZE", &c.Store.PoolSize)
	p.duration("REDIS_DIAL_TIMEOUT", &c.Store.DialTimeout)

	p.duration("KV_OP_TIMEOUT", &c.Resilience.Timeout)
	p.int("KV_MAX_RETRIES", &c.Resilience.MaxRetries)
	p.duration("KV_RETRY_MAX_DELAY", &c.Resilience.RetryMaxDelay)
	p.duration("KV_BREAKER_TIMEOUT", &c.Resilience.CircuitBreakerConfig.Timeout)

	c.EncryptionKey = getenv("CACHE_ENCRYPTION_KEY")
	p.bool("CACHE_AUTO_ENCRYPT", &c.Cache.AutoEncrypt)
	p.duration("CACHE_DEFAULT_TTL", &c.Cache.DefaultTTL)
	p.duration("CACHE_MAX_TTL", &c.Cache.MaxTTL)
	p.int("CACHE_LOCAL_SIZE", &c.Cache.LocalSize)
	p.duration("CACHE_LOCAL_TTL", &c.Cache.LocalTTL)
	p.duration("CACHE_NEGATIVE_TTL", &c.Cache.NegativeTTL)
	p.duration("CACHE_COMPUTE_TIMEOUT", &c.Cache.ComputeTimeout)
	p.bool("CACHE_ASYNC_WRITES", &c.Cache.AsyncWrites)
	if v := getenv("CACHE_NAMESPACE"); v != "" {
		c.Cache.Namespace = v
	}

	p.duration("SESSION_TTL", &c.Session.TTL)
	p.duration("PROFILE_CACHE_TTL", &c.Session.ProfileTTL)
	p.int("MAX_SESSIONS_PER_USER", &c.Session.MaxSessionsPerUser)
	p.duration("NOTIFICATION_RETENTION", &c.Notify.Retention)

	c.ProfilesFile = getenv("RATE_LIMIT_PROFILES_FILE")

	if v := getenv("ADMIN_ADDR"); v != "" {
		c.AdminAddr = v
	}
	c.InstanceID = getenv("INSTANCE_ID")
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}

	if getenv("LOG_DEV") == "true" {
		c.Logging = logging.DevelopmentConfig()
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every impossible or unsupported setting at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Store.Driver {
	case DriverRedis, DriverGoRedis, DriverMemory:
	default:
		fail("unknown KV_DRIVER %q", c.Store.Driver)
	}
	if c.Store.Driver != DriverMemory && len(c.Store.Addrs) == 0 {
		fail("REDIS_ADDR is required for driver %s", c.Store.Driver)
	}

	if c.Resilience.Timeout <= 0 {
		fail("KV_OP_TIMEOUT must be positive")
	}
	if c.Resilience.MaxRetries < 0 {
		fail("KV_MAX_RETRIES must not be negative")
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) < MinEncryptionKeyLen {
		fail("CACHE_ENCRYPTION_KEY must be at least %d bytes", MinEncryptionKeyLen)
	}
	if c.Cache.DefaultTTL <= 0 {
		fail("CACHE_DEFAULT_TTL must be positive")
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	if c.Session.TTL <= 0 {
		fail("SESSION_TTL must be positive")
	}
	if c.Session.ProfileTTL <= 0 {
		fail("PROFILE_CACHE_TTL must be positive")
	}
	if c.Session.MaxSessionsPerUser <= 0 {
		fail("MAX_SESSIONS_PER_USER must be positive")
	}
	if c.Notify.Retention <= 0 {
		fail("NOTIFICATION_RETENTION must be positive")
	}

	for name, p := range c.Profiles {
		if p.Name != name {
			fail("profile %q registered as %q", p.Name, name)
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
	}
	return errors.Join(errs...)
}

// parser collects conversion errors so one bad variable does not hide the
// rest.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) int(name string, dst *int) {
	v := p.getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, name, v))
		return
	}
	*dst = n
}

func (p *parser) bool(name string, dst *bool) {
	v := p.getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, name, v))
		return
	}
	*dst = b
}

// duration accepts Go durations ("90s", "24h") and bare seconds ("300").
func (p *parser) duration(name string, dst *time.Duration) {
	v := strings.TrimSpace(p.getenv(name))
	if v == "" {
		return
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalid, name, v))
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
