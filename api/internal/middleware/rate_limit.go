package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"warehouse-choreography/shared/httpx"
	"warehouse-choreography/shared/tenantx"
)

type RateLimitMiddleware struct {
	Limiter *KeyedRateLimiter
	Skip    func(*http.Request) bool
}

// Wrap limits per tenant once the tenant is known and per client address before.
func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) || m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + rateLimitClientIP(r)
		if tenantID := tenantx.TenantIDFromContext(r.Context()); tenantID != "" {
			key = "tenant:" + tenantID
		}
		if !m.Limiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyedRateLimiter keeps one token bucket per key and forgets keys idle for ttl.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters map[string]*keyedLimiter
	lastGC   time.Time
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedRateLimiter(rps float64, burst int, ttl time.Duration) *KeyedRateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &KeyedRateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		ttl:      ttl,
		limiters: make(map[string]*keyedLimiter),
	}
}

func (l *KeyedRateLimiter) Allow(key string) bool {
	return l.allowAt(key, time.Now())
}

func (l *KeyedRateLimiter) allowAt(key string, now time.Time) bool {
	l.mu.Lock()
	if now.Sub(l.lastGC) > l.ttl {
		for k, v := range l.limiters {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}
	entry, ok := l.limiters[key]
	if !ok {
		entry = &keyedLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func rateLimitClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		first, _, _ := strings.Cut(v, ",")
		return strings.TrimSpace(first)
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
