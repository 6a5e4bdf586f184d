package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowAndDeny(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })

	if !rl.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if !rl.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if rl.Allow("ip") {
		t.Fatalf("expected deny")
	}
	if !rl.Allow("other-ip") {
		t.Fatalf("expected other key to have its own bucket")
	}

	clock = clock.Add(time.Minute + time.Second)
	if !rl.Allow("ip") {
		t.Fatalf("expected allow after window")
	}
}

func TestRateLimiter_RefillsGradually(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(4, time.Minute, func() time.Time { return clock })

	for i := 0; i < 4; i++ {
		if !rl.Allow("ip") {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow("ip") {
		t.Fatalf("expected deny")
	}
	clock = clock.Add(15 * time.Second)
	if !rl.Allow("ip") {
		t.Fatalf("expected one token after a quarter window")
	}
	if rl.Allow("ip") {
		t.Fatalf("expected deny again")
	}
}

func TestRateLimiter_DropsIdleBuckets(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })

	rl.Allow("a")
	rl.Allow("b")
	if rl.len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.len())
	}
	clock = clock.Add(2 * time.Minute)
	rl.Allow("c")
	if rl.len() != 1 {
		t.Fatalf("expected idle buckets dropped, got %d", rl.len())
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return clock })

	r := gin.New()
	r.POST("/auth/login/begin", RateLimitMiddleware(rl), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/auth/login/begin", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, w.Code)
		}
		if want == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Fatalf("expected Retry-After")
		}
	}
}
