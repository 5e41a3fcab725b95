package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-IP token bucket and how long idle buckets
// are retained.
type RateLimitConfig struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultRateLimitConfig covers the authenticated API. A softphone UI is a
// single operator clicking call controls plus a polling fallback, so 20 rps
// with a burst of 40 is far above legitimate traffic.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// AuthRateLimitConfig guards /auth/login. There is exactly one admin
// account, so slowing guesses to 5 rps per source is the whole defense
// budget needed.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(5),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP with background
// eviction of idle entries.
type IPRateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	visitors map[string]*visitor

	done chan struct{}
}

// NewIPRateLimiter builds the limiter and starts its eviction goroutine.
// Callers must Stop it when the server shuts down.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		done:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow reports whether a request from ip fits in its bucket, creating the
// bucket on first sight.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v := rl.visitors[ip]
	if v == nil {
		v = &visitor{bucket: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.bucket.Allow()
}

// Stop ends the eviction goroutine.
func (rl *IPRateLimiter) Stop() {
	close(rl.done)
}

func (rl *IPRateLimiter) evictLoop() {
	t := time.NewTicker(rl.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rl.evictIdle()
		case <-rl.done:
			return
		}
	}
}

func (rl *IPRateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	before := len(rl.visitors)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	if evicted := before - len(rl.visitors); evicted > 0 {
		slog.Debug("rate limiter evicted idle clients", "evicted", evicted, "remaining", len(rl.visitors))
	}
}

// RateLimit rejects over-limit requests with 429 and a Retry-After hint.
// Relies on chi's RealIP running earlier so RemoteAddr is the true client
// behind a reverse proxy.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if limiter.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}
			slog.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(errEnvelope{Error: "rate limit exceeded"}) //nolint:errcheck
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
