package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorTTL is how long an idle client keeps its limiter before the
// janitor evicts it.
const visitorTTL = 3 * time.Minute

// visitor pairs a client's limiter with its last activity.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorLimiters throttles mutating requests per client IP. Limiters are
// created on first sight and evicted after visitorTTL of inactivity.
type visitorLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
}

func newVisitorLimiters(limit float64, burst int) *visitorLimiters {
	return &visitorLimiters{
		limit:    rate.Limit(limit),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// allow reports whether the client may proceed, consuming one token.
func (v *visitorLimiters) allow(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.visitors[ip]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.visitors[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// size returns the number of tracked clients.
func (v *visitorLimiters) size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.visitors)
}

// run evicts limiters for idle clients until the context is cancelled.
func (v *visitorLimiters) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			v.evict(now)
		}
	}
}

func (v *visitorLimiters) evict(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for ip, entry := range v.visitors {
		if now.Sub(entry.lastSeen) > visitorTTL {
			delete(v.visitors, ip)
		}
	}
}

// clientIP extracts the client address for rate limiting, host part only.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limited wraps a mutating handler with the per-IP limiter.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(clientIP(r)) {
			s.metrics.recordRateLimited()
			s.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
