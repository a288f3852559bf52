package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client address. Max requests may burst at once
// and the bucket refills evenly across Window.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientBucket
	limit      rate.Limit
	burst      int
	window     time.Duration
	trustProxy bool
	metrics    *Metrics
	now        func() time.Time
	nextSweep  time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns nil when limiting is disabled (max of zero).
func NewRateLimiter(cfg RateLimitConfig, trustProxy bool, metrics *Metrics) *RateLimiter {
	if cfg.Max <= 0 {
		return nil
	}
	return &RateLimiter{
		clients:    make(map[string]*clientBucket),
		limit:      rate.Limit(float64(cfg.Max) / cfg.Window.Seconds()),
		burst:      cfg.Max,
		window:     cfg.Window,
		trustProxy: trustProxy,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.After(rl.nextSweep) {
		// An idle bucket is full again after one window, so forgetting it changes nothing.
		for k, b := range rl.clients {
			if now.Sub(b.lastSeen) > rl.window {
				delete(rl.clients, k)
			}
		}
		rl.nextSweep = now.Add(rl.window)
	}

	b, ok := rl.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Middleware rejects callers over their budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	retryAfter := strconv.Itoa(int(rl.window.Seconds()) / rl.burst)
	if retryAfter == "0" {
		retryAfter = "1"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r, rl.trustProxy)) {
			rl.metrics.IncrementRateLimited()
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too many requests, please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
