// Package app wires the configured backend and every component into one
// process-wide graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"cachecoord/pkg/api"
	"cachecoord/pkg/cache"
	"cachecoord/pkg/config"
	"cachecoord/pkg/invalidation"
	"cachecoord/pkg/kv"
	"cachecoord/pkg/kv/goredis"
	"cachecoord/pkg/kv/memory"
	"cachecoord/pkg/kv/redis"
	"cachecoord/pkg/logging"
	promcollector "cachecoord/pkg/metrics/prometheus"
	"cachecoord/pkg/notify"
	"cachecoord/pkg/ratelimit"
	"cachecoord/pkg/resilience"
	"cachecoord/pkg/secure"
	"cachecoord/pkg/session"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "cachecoord"

// App owns the backend connections and the components built on them.
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Store *resilience.Store
	Bus   *resilience.Bus

	Registry *prometheus.Registry
	Metrics  *promcollector.Collector

	Codec         *secure.Codec
	Cache         *cache.Manager
	Invalidation  *invalidation.Manager
	Limiter       *ratelimit.Limiter
	Sessions      *session.Store
	Notifications *notify.Manager

	backend kv.Store
	bus     kv.Bus
}

// Option adjusts how New builds the graph.
type Option func(*options)

type options struct {
	store kv.Store
	bus   kv.Bus
}

// WithBackend uses store and bus instead of dialing the configured driver.
// The App takes ownership and closes both. A nil bus gets a private
// in-process one.
func WithBackend(store kv.Store, bus kv.Bus) Option {
	return func(o *options) {
		o.store = store
		o.bus = bus
	}
}

// New connects the backend and builds every component. Nothing listens on
// the bus until Start.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrNop(logger).With(zap.String("instance", cfg.InstanceID))

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Metrics:  promcollector.NewCollector(MetricsNamespace),
	}
	if err := a.Metrics.Register(a.Registry); err != nil {
		return nil, fmt.Errorf("app: register metrics: %w", err)
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.backend, a.bus = o.store, o.bus
	if a.backend != nil && a.bus == nil {
		a.bus = memory.NewBus()
	}
	if a.backend == nil {
		store, bus, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.backend, a.bus = store, bus
	}

	a.Store = resilience.NewStore(a.backend, cfg.Resilience, a.Metrics, logger)
	a.Bus = resilience.NewBus(a.backend.Name()+"-bus", a.bus, cfg.Resilience, a.Metrics, logger)

	if err := a.build(cfg, logger); err != nil {
		a.closeBackend()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, logger *logging.Logger) error {
	var err error
	a.Codec, err = secure.NewCodec([]byte(cfg.EncryptionKey), logger)
	if err != nil {
		return err
	}

	a.Cache, err = cache.New(a.Store, a.Codec, cfg.Cache, a.Metrics, logger)
	if err != nil {
		return err
	}

	a.Invalidation = invalidation.New(a.Store, a.Bus, a.Cache, invalidation.Config{
		InstanceID: cfg.InstanceID,
		Namespace:  cfg.Cache.Namespace,
	}, a.Metrics, logger)

	a.Limiter, err = ratelimit.New(a.Store, cfg.Profiles, nil, a.Metrics, logger)
	if err != nil {
		return err
	}

	a.Sessions = session.New(a.Store, a.Codec, a.Invalidation, cfg.Session, a.Metrics, logger)
	a.Notifications = notify.New(a.Store, a.Bus, cfg.Notify, a.Metrics, logger)
	return nil
}

// openBackend dials the configured driver. The redis drivers serve as both
// store and bus; the memory driver pairs a store with a private bus.
func openBackend(ctx context.Context, cfg *config.Config, logger *logging.Logger) (kv.Store, kv.Bus, error) {
	sc := cfg.Store
	switch sc.Driver {
	case config.DriverMemory:
		return memory.New(memory.Config{Name: "memory"}), memory.NewBus(), nil

	case config.DriverGoRedis:
		s, err := goredis.New(ctx, goredis.Config{
			Name:        "goredis",
			Addrs:       sc.Addrs,
			Password:    sc.Password,
			DB:          sc.DB,
			KeyPrefix:   sc.KeyPrefix,
			PoolSize:    sc.PoolSize,
			DialTimeout: sc.DialTimeout,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("app: connect goredis: %w", err)
		}
		return s, s, nil

	case config.DriverRedis:
		rc := redis.DefaultConfig()
		rc.Username = sc.Username
		rc.Password = sc.Password
		rc.DB = sc.DB
		rc.KeyPrefix = sc.KeyPrefix
		rc.DialTimeout = sc.DialTimeout
		rc.ResubscribeBaseDelay = cfg.Resilience.RetryBaseDelay
		rc.ResubscribeMaxDelay = cfg.Resilience.RetryMaxDelay
		if len(sc.Addrs) > 1 {
			rc.ClusterAddrs = sc.Addrs
			rc.Addr = ""
		} else if len(sc.Addrs) == 1 {
			rc.Addr = sc.Addrs[0]
		}
		s, err := redis.New(rc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("app: connect redis: %w", err)
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown KV_DRIVER %q", config.ErrInvalid, sc.Driver)
}

// Start subscribes the invalidation channels.
func (a *App) Start(ctx context.Context) error {
	if err := a.Invalidation.Start(ctx); err != nil {
		return fmt.Errorf("app: start invalidation: %w", err)
	}
	a.Logger.Info("coordination layer started",
		zap.String("instance", a.Invalidation.InstanceID()),
		zap.String("store", a.backend.Name()),
	)
	return nil
}

// AdminServer builds the admin HTTP server over this App.
func (a *App) AdminServer(cfg api.ServerConfig) (*api.Server, error) {
	if cfg.Address == "" {
		cfg.Address = a.Config.AdminAddr
	}
	return api.NewServer(api.Services{
		Store:         a.Store,
		Cache:         a.Cache,
		Invalidation:  a.Invalidation,
		Limiter:       a.Limiter,
		Sessions:      a.Sessions,
		Notifications: a.Notifications,
		Breakers:      map[string]api.Breaker{"store": a.Store, "bus": a.Bus},
		Gatherer:      a.Registry,
		Registerer:    a.Registry,
		AdminProfile:  ratelimit.ProfileAdmin,
	}, cfg, a.Logger)
}

// Close drains pending cache writes, stops the listeners and closes the
// backend.
func (a *App) Close() error {
	var errs []error
	if err := a.Cache.Flush(5 * time.Second); err != nil {
		errs = append(errs, err)
	}
	for _, c := range []interface{ Close() error }{a.Notifications, a.Invalidation, a.Cache} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.closeBackend())
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) closeBackend() error {
	var errs []error
	if a.bus != nil && any(a.bus) != any(a.backend) {
		errs = append(errs, a.bus.Close())
	}
	errs = append(errs, a.backend.Close())
	return errors.Join(errs...)
}
