package admission

import (
	"testing"
	"time"
)

func TestTokenBucket_BurstThenReject(t *testing.T) {
	tb := NewTokenBucket(5, 1.0)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if got := tb.Check("10.0.0.1", now); got != Allowed {
			t.Fatalf("request %d: expected Allowed, got %v", i+1, got)
		}
	}
	if got := tb.Check("10.0.0.1", now); got != RateLimited {
		t.Fatalf("request 6: expected RateLimited, got %v", got)
	}
}

func TestTokenBucket_RefillAdmitsExactlyOne(t *testing.T) {
	tb := NewTokenBucket(3, 2.0)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if got := tb.Check("k", now); got != Allowed {
			t.Fatalf("request %d: expected Allowed, got %v", i+1, got)
		}
	}
	if got := tb.Check("k", now); got != RateLimited {
		t.Fatalf("expected RateLimited once drained, got %v", got)
	}

	// 1/rate seconds refills exactly one token.
	now = now.Add(500 * time.Millisecond)
	if got := tb.Check("k", now); got != Allowed {
		t.Fatalf("expected Allowed after refill, got %v", got)
	}
	if got := tb.Check("k", now); got != RateLimited {
		t.Fatalf("expected RateLimited after consuming refilled token, got %v", got)
	}
}

func TestTokenBucket_FirstSeenStartsFull(t *testing.T) {
	tb := NewTokenBucket(1, 0.1)
	now := time.Now()

	if got := tb.Check("fresh", now); got != Allowed {
		t.Fatalf("first request from a new key must be Allowed, got %v", got)
	}
	if got := tb.Check("fresh", now); got != RateLimited {
		t.Fatalf("capacity 1 must reject the immediate second request, got %v", got)
	}
}

func TestTokenBucket_RefillCappedAtCapacity(t *testing.T) {
	tb := NewTokenBucket(2, 10.0)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tb.Check("k", now)
	// A long idle period must not accumulate beyond capacity.
	now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if got := tb.Check("k", now); got != Allowed {
			t.Fatalf("request %d after idle: expected Allowed, got %v", i+1, got)
		}
	}
	if got := tb.Check("k", now); got != RateLimited {
		t.Fatalf("expected RateLimited beyond capacity, got %v", got)
	}
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	tb := NewTokenBucket(1, 0.1)
	now := time.Now()

	if got := tb.Check("a", now); got != Allowed {
		t.Fatalf("key a: expected Allowed, got %v", got)
	}
	if got := tb.Check("b", now); got != Allowed {
		t.Fatalf("key b: expected Allowed, got %v", got)
	}
}

func TestTokenBucket_Evict(t *testing.T) {
	tb := NewTokenBucket(5, 1.0)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tb.Check("stale", now)
	tb.Check("fresh", now.Add(10*time.Minute))

	if n := tb.Evict(now.Add(5 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	// The evicted key starts over with a full bucket.
	later := now.Add(11 * time.Minute)
	for i := 0; i < 5; i++ {
		if got := tb.Check("stale", later); got != Allowed {
			t.Fatalf("request %d after eviction: expected Allowed, got %v", i+1, got)
		}
	}
}
