package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func tinyLimiter(t *testing.T, r rate.Limit, burst int) *IPRateLimiter {
	t.Helper()
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowPerIPBuckets(t *testing.T) {
	rl := tinyLimiter(t, 1, 2)

	// The operator's browser gets its burst, then is cut off.
	for i := 0; i < 2; i++ {
		if !rl.Allow("203.0.113.7") {
			t.Fatalf("request %d inside burst denied", i+1)
		}
	}
	if rl.Allow("203.0.113.7") {
		t.Fatal("request beyond burst allowed")
	}

	// A second source has its own untouched bucket.
	if !rl.Allow("203.0.113.8") {
		t.Fatal("fresh ip denied")
	}
}

func TestEvictIdleDropsStaleBuckets(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate: 10, Burst: 10,
		CleanupInterval: time.Hour,
		MaxAge:          0, // everything is stale immediately
	})
	defer rl.Stop()

	rl.Allow("203.0.113.7")
	rl.Allow("203.0.113.8")
	rl.evictIdle()

	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("visitors = %d after eviction, want 0", n)
	}
}

func TestRateLimitRejectsWithEnvelope(t *testing.T) {
	rl := tinyLimiter(t, 1, 1)
	h := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "203.0.113.7:41000"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.7:41000", "203.0.113.7"},
		{"[2001:db8::1]:41000", "2001:db8::1"},
		{"203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
