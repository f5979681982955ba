package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// KeyFunc extracts the attributes a profile keys on from an HTTP request.
type KeyFunc func(*http.Request) Request

// RequestKey keys on the client address and "METHOD path". The first
// X-Forwarded-For hop wins over RemoteAddr.
func RequestKey(r *http.Request) Request {
	return Request{
		IP:       ClientIP(r),
		Endpoint: r.Method + " " + r.URL.Path,
	}
}

// ClientIP returns the originating address of r without its port.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware checks every request against profile before calling next.
// Rejected requests get 429 with the X-RateLimit-* and Retry-After headers;
// allowed ones carry the X-RateLimit-* headers through to next.
func (l *Limiter) Middleware(profile string, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = RequestKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Check(r.Context(), profile, key(r))
			if err != nil {
				l.logger.Error("rate limit check failed", zap.String("profile", profile), zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for k, v := range res.Headers() {
				w.Header()[k] = v
			}
			if !res.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate limit exceeded",
					"retry_after": int64(res.RetryAfter.Seconds()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
