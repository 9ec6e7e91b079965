package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepAfter = 1024
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter ограничивает частоту запросов с одного IP-адреса.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	now      func() time.Time
}

// NewRateLimiter создаёт ограничитель на rps запросов в секунду с каждого адреса.
// rps <= 0 отключает ограничение.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    max(rps, 1),
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

func (l *RateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.limiters[ip]; ok {
		e.lastSeen = now
		return e.limiter
	}

	if len(l.limiters) >= limiterSweepAfter {
		for key, e := range l.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.limiters, key)
			}
		}
	}

	e := &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.limiters[ip] = e
	return e.limiter
}

// Middleware отвечает 429 при превышении лимита.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if !l.get(ip).AllowN(l.now(), 1) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
