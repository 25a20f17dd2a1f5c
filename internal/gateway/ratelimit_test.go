package gateway

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("client-1") {
			t.Fatalf("request %d denied, want allowed", i)
		}
	}
	if rl.Allow("client-1") {
		t.Error("request over limit allowed")
	}
}

func TestRateLimiterIsPerKey(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Minute)
	if !rl.Allow("client-1") {
		t.Fatal("first request denied")
	}
	if !rl.Allow("client-2") {
		t.Error("separate key throttled by another key's usage")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 20*time.Millisecond)
	if !rl.Allow("client-1") {
		t.Fatal("first request denied")
	}
	if rl.Allow("client-1") {
		t.Fatal("second request inside window allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("client-1") {
		t.Error("request after window expiry denied")
	}
}
