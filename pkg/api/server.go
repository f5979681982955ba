// Package api exposes the admin HTTP surface: health, statistics,
// Prometheus metrics and operator actions such as rate-limit resets and
// cache eviction.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cachecoord/pkg/cache"
	"cachecoord/pkg/invalidation"
	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
	"cachecoord/pkg/metrics"
	"cachecoord/pkg/notify"
	"cachecoord/pkg/ratelimit"
	"cachecoord/pkg/session"
)

// AdminActor is recorded as the actor of operator-triggered invalidations.
const AdminActor = "admin"

// Breaker reports a circuit breaker state.
type Breaker interface {
	State() metrics.CircuitState
}

// Services are the components the server inspects and drives. Nil
// components disable their routes.
type Services struct {
	Store         kv.Store
	Cache         *cache.Manager
	Invalidation  *invalidation.Manager
	Limiter       *ratelimit.Limiter
	Sessions      *session.Store
	Notifications *notify.Manager

	// Breakers are reported by /health, keyed by name.
	Breakers map[string]Breaker

	// Gatherer backs /metrics; defaults to the global registry.
	Gatherer prometheus.Gatherer

	// Registerer receives the HTTP request metrics; nil skips them.
	Registerer prometheus.Registerer

	// Snapshot backs /metrics/json when set.
	Snapshot func() any

	// AdminProfile limits the mutating routes per client address when set.
	AdminProfile string
}

// Server provides the admin HTTP endpoints.
type Server struct {
	services Services
	server   *http.Server
	config   ServerConfig
	logger   *logging.Logger
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	started  time.Time
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":9090")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// OperationTimeout bounds the store work of one request.
	OperationTimeout time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          ":9090",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     30 * time.Second,
		OperationTimeout: 20 * time.Second,
	}
}

// NewServer creates the admin server. It fails only when the request
// metrics cannot be registered.
func NewServer(services Services, config ServerConfig, logger *logging.Logger) (*Server, error) {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultServerConfig().OperationTimeout
	}
	s := &Server{
		services: services,
		config:   config,
		logger:   logging.OrNop(logger).Named("api"),
		started:  time.Now(),
	}

	if services.Registerer != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachecoord_admin_requests_total",
			Help: "Admin HTTP requests by route and status.",
		}, []string{"method", "route", "status"})
		s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cachecoord_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})
		for _, c := range []prometheus.Collector{s.requests, s.latency} {
			if err := services.Registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      s.Router(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	gatherer := s.services.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.services.Snapshot != nil {
		r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)
	}

	if s.services.Limiter != nil {
		r.HandleFunc("/ratelimit/profiles", s.handleProfiles).Methods(http.MethodGet)
		r.HandleFunc("/ratelimit/{profile}/{identity}", s.handleRateLimitStats).Methods(http.MethodGet)
		r.Handle("/ratelimit/reset", s.limited(s.handleRateLimitReset)).Methods(http.MethodPost)
	}
	if s.services.Cache != nil {
		r.Handle("/cache/clear", s.limited(s.handleCacheClear)).Methods(http.MethodPost)
		r.Handle("/cache/evict", s.limited(s.handleCacheEvict)).Methods(http.MethodPost)
	}
	if s.services.Sessions != nil {
		r.Handle("/sessions/cleanup", s.limited(s.handleSessionCleanup)).Methods(http.MethodPost)
	}
	if s.services.Notifications != nil {
		r.Handle("/notifications/cleanup", s.limited(s.handleNotificationCleanup)).Methods(http.MethodPost)
	}
	return r
}

// limited applies the admin rate-limit profile to h, keyed by client address.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.services.Limiter == nil || s.services.AdminProfile == "" {
		return h
	}
	return s.services.Limiter.Middleware(s.services.AdminProfile, func(r *http.Request) ratelimit.Request {
		ip := ratelimit.ClientIP(r)
		return ratelimit.Request{Identity: ip, IP: ip, Endpoint: r.URL.Path}
	})(h)
}

// Start serves in a goroutine. Listen failures are logged.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.OperationTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()

	status, code := "healthy", http.StatusOK
	response := map[string]any{"timestamp": time.Now().Unix()}

	if s.services.Store != nil {
		if err := s.services.Store.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			response["store_error"] = err.Error()
		}
	}

	circuits := make(map[string]string, len(s.services.Breakers))
	for name, b := range s.services.Breakers {
		state := b.State()
		circuits[name] = state.String()
		if state == metrics.CircuitOpen {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	response["status"] = status
	response["circuits"] = circuits

	writeJSON(w, code, response)
}

// handleStats reports store health, derived rates and component counters.
// Store and session figures degrade to an error field rather than failing
// the whole response.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()

	response := map[string]any{
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
	}

	if st := s.services.Store; st != nil {
		if info, err := st.Info(ctx, ""); err != nil {
			response["store_error"] = err.Error()
		} else {
			snap := kv.ParseInfo(info)
			if n, err := st.DBSize(ctx); err == nil {
				snap.KeyCount = n
			}
			response["store"] = map[string]any{
				"name":     st.Name(),
				"health":   snap,
				"hit_rate": snap.HitRate(),
			}
		}
	}
	if s.services.Cache != nil {
		response["cache"] = s.services.Cache.Stats()
	}
	if s.services.Invalidation != nil {
		response["invalidation"] = s.services.Invalidation.Stats()
	}
	if s.services.Sessions != nil {
		if st, err := s.services.Sessions.GetSessionStats(ctx); err != nil {
			response["sessions_error"] = err.Error()
		} else {
			response["sessions"] = st
		}
	}
	if s.services.Notifications != nil {
		response["notifications"] = map[string]any{"subscribers": s.services.Notifications.Subscribers()}
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Snapshot())
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	type profileView struct {
		Name          string `json:"name"`
		WindowSeconds int64  `json:"window_seconds"`
		MaxRequests   int64  `json:"max_requests"`
		BlockSeconds  int64  `json:"block_seconds"`
		KeyStrategy   string `json:"key_strategy"`
	}
	profiles := s.services.Limiter.Profiles()
	out := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileView{
			Name:          p.Name,
			WindowSeconds: int64(p.Window / time.Second),
			MaxRequests:   p.MaxRequests,
			BlockSeconds:  int64(p.BlockDuration / time.Second),
			KeyStrategy:   string(p.Strategy),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()

	vars := mux.Vars(r)
	st, err := s.services.Limiter.GetStats(ctx, vars["profile"], vars["identity"], r.URL.Query().Get("endpoint"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResetRequest is the body of POST /ratelimit/reset. An empty Profile
// resets the identity across every profile.
type ResetRequest struct {
	Profile  string `json:"profile"`
	Identity string `json:"identity"`
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "identity is required"})
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()

	var (
		n   int
		err error
	)
	if req.Profile == "" {
		n, err = s.services.Limiter.ResetAll(ctx, req.Identity)
	} else {
		n, err = s.services.Limiter.Reset(ctx, req.Profile, req.Identity, req.Endpoint)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()

	if s.services.Invalidation != nil {
		ev, err := s.services.Invalidation.InvalidatePattern(ctx,
			s.services.Cache.StoreKey("*"), "admin.clear", AdminActor)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": ev.KeysAffected, "event": ev.ID})
		return
	}

	n, err := s.services.Cache.Clear(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// handleCacheEvict deletes raw store keys matching ?pattern= and tells
// other processes to drop their local copies.
func (s *Server) handleCacheEvict(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "pattern parameter is required"})
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()

	if s.services.Invalidation != nil {
		ev, err := s.services.Invalidation.InvalidatePattern(ctx, pattern, "admin.evict", AdminActor)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": ev.KeysAffected, "strategy": ev.Strategy, "event": ev.ID})
		return
	}

	s.services.Cache.EvictLocal(pattern)
	n, err := cache.DeleteMatching(ctx, s.services.Store, pattern)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()

	n, err := s.services.Sessions.CleanupExpiredSessions(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) handleNotificationCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()

	n, err := s.services.Notifications.CleanupExpiredNotifications(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case kv.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, kv.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, kv.ErrInvalidKey),
		errors.Is(err, ratelimit.ErrUnknownProfile),
		errors.Is(err, ratelimit.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, kv.ErrTimeout):
		return http.StatusGatewayTimeout
	case kv.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

// instrument logs each request and records it when metrics are enabled.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routeOf(r)
		elapsed := time.Since(start)
		if s.requests != nil {
			s.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.statusCode)).Inc()
			s.latency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}
		s.logger.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", sw.statusCode),
			zap.Duration("duration", elapsed),
		)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// routeOf returns the route template so metrics do not fan out per path.
func routeOf(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tpl
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
