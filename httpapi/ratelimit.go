package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds requests per client address.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// DefaultLoginLimit throttles password guessing on /auth/login.
var DefaultLoginLimit = RateLimit{RequestsPerMinute: 10, Burst: 5}

const visitorIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	limit    RateLimit
	now      func() time.Time
	mu       sync.Mutex
	visitors map[string]*visitor
}

func newRateLimiter(limit RateLimit, now func() time.Time) *rateLimiter {
	if limit.RequestsPerMinute <= 0 {
		limit.RequestsPerMinute = DefaultLoginLimit.RequestsPerMinute
	}
	if limit.Burst <= 0 {
		limit.Burst = DefaultLoginLimit.Burst
	}
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{limit: limit, now: now, visitors: make(map[string]*visitor)}
}

func (l *rateLimiter) allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	v, ok := l.visitors[id]
	if !ok {
		if len(l.visitors) >= 1024 {
			l.prune(now)
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.limit.RequestsPerMinute/60), l.limit.Burst)}
		l.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *rateLimiter) prune(now time.Time) {
	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorIdle {
			delete(l.visitors, id)
		}
	}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientID(r)) {
			w.Header().Set("Retry-After", "60")
			writeProblem(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys on the address chi's RealIP middleware has already resolved.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
