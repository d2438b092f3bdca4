package broker

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// addrLimiter throttles requests per remote address, guarding the broker
// against a worker or client stuck in a tight poll loop. Adapted from the
// teacher's internal/api/ratelimit.go ipLimiter: same per-key token
// bucket plus amortized TTL cleanup, generalized from a fixed global
// default to a per-Server configurable rate.
type addrLimiter struct {
	mu          sync.Mutex
	entries     map[string]*addrLimiterEntry
	lastCleanup time.Time

	rps   rate.Limit
	burst int
	ttl   time.Duration
}

type addrLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAddrLimiter returns a limiter allowing rps requests/sec per address,
// with the given burst. rps <= 0 disables limiting entirely.
func newAddrLimiter(rps float64, burst int) *addrLimiter {
	return &addrLimiter{
		entries: make(map[string]*addrLimiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     15 * time.Minute,
	}
}

func (l *addrLimiter) allow(addr string) bool {
	if l.rps <= 0 {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastCleanup.IsZero() || now.Sub(l.lastCleanup) > time.Minute {
		for k, v := range l.entries {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	ent := l.entries[addr]
	if ent == nil {
		ent = &addrLimiterEntry{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now}
		l.entries[addr] = ent
	} else {
		ent.lastSeen = now
	}

	return ent.limiter.Allow()
}

func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// rateLimitMiddleware rejects requests over the configured rate with 429.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.allow(remoteAddr(r)) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("rate limited"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
