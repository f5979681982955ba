package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Headers renders the result as X-RateLimit-* headers, plus Retry-After
// when the request was rejected.
func (r Result) Headers() http.Header {
	h := make(http.Header, 4)
	h.Set("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
	if r.Remaining != math.MaxInt64 {
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	}
	if !r.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
	}
	if !r.Allowed && r.RetryAfter > 0 {
		secs := int64((r.RetryAfter + time.Second - 1) / time.Second)
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	return h
}
