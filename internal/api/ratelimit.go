package api

import (
	"math"
	"net/http"
	"strconv"
)

// rateLimitMiddleware rejects compile submissions beyond the configured rate
// with 429 and a Retry-After hint in whole seconds.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.compileLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		if !s.compileLimiter.Allow() {
			rateLimitHits.Inc()
			retry := 1
			if limit := float64(s.compileLimiter.Limit()); limit > 0 {
				retry = max(1, int(math.Ceil(1/limit)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.writeError(w, http.StatusTooManyRequests, "too many compile requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
