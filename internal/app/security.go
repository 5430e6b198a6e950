package app

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"examhall/internal/app/apiresp"
)

const csrfCookieName = "examhall_csrf"
const csrfHeaderName = "X-CSRF-Token"

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter holds one token bucket per key. Idle buckets are
// dropped on the next sweep.
type KeyedRateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	store   map[string]*limiterEntry
	swept   time.Time
}

// NewKeyedRateLimiter allows perMinute requests per key, all of which may
// arrive in a burst.
func NewKeyedRateLimiter(perMinute int) *KeyedRateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &KeyedRateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		store:   make(map[string]*limiterEntry),
	}
}

func (l *KeyedRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.idleTTL {
		for k, e := range l.store {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.store, k)
			}
		}
		l.swept = now
	}

	e, ok := l.store[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.store[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func RateLimitMiddleware(l *KeyedRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r) + "|" + r.Method + "|" + r.URL.Path
			if !l.Allow(key) {
				w.Header().Set("Retry-After", "60")
				apiresp.WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFMiddleware enforces the double-submit pattern on unsafe methods.
// Bearer-token clients are not cookie-authenticated and pass through.
func CSRFMiddleware(enforced bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enforced {
				next.ServeHTTP(w, r)
				return
			}
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			c, err := r.Cookie(csrfCookieName)
			if err != nil || strings.TrimSpace(c.Value) == "" {
				apiresp.WriteErrorCode(w, r, http.StatusForbidden, "csrf_failed", "csrf token missing")
				return
			}
			h := strings.TrimSpace(r.Header.Get(csrfHeaderName))
			if h == "" || h != c.Value {
				apiresp.WriteErrorCode(w, r, http.StatusForbidden, "csrf_failed", "csrf token invalid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
