package handlers

import (
	"testing"
	"time"
)

func TestWindowRateLimiter(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	limiter := newWindowRateLimiter(2, 10*time.Second, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("user-1|/svc_1/verify"); !ok {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	now = now.Add(4 * time.Second)
	ok, retry := limiter.Allow("user-1|/svc_1/verify")
	if ok || retry != 6*time.Second {
		t.Fatalf("expected throttle with 6s retry, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := limiter.Allow("user-2|/svc_1/verify"); !ok {
		t.Fatalf("other callers keep their own window")
	}

	now = now.Add(7 * time.Second)
	if ok, _ := limiter.Allow("user-1|/svc_1/verify"); !ok {
		t.Fatalf("window should reset")
	}
}

func TestNewWindowRateLimiterDisabled(t *testing.T) {
	if newWindowRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("zero limit disables throttling")
	}
	if pollLimit(nil) != nil {
		t.Fatalf("nil limiter must not produce a middleware")
	}
}
