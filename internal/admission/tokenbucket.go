package admission

import (
	"sync"
	"time"
)

// bucket tracks the token-bucket state for a single client key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket is an in-memory per-client token-bucket strategy. A client
// first seen starts with a full bucket, tokens refill continuously at
// refillRate per second up to capacity, and each admitted request consumes
// one token. A rejected client may be admitted again as soon as a full token
// has accumulated; this strategy never escalates to a block.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64
}

// NewTokenBucket creates a TokenBucket with the given burst capacity and
// refill rate in tokens per second.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		rate:     refillRate,
	}
}

func (t *TokenBucket) Name() string { return "token_bucket" }

// Check refills the client's bucket lazily and consumes one token when
// available.
func (t *TokenBucket) Check(key string, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{tokens: t.capacity, lastRefill: now}
		t.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * t.rate
		if b.tokens > t.capacity {
			b.tokens = t.capacity
		}
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return RateLimited
	}
	b.tokens--
	return Allowed
}

// Evict removes buckets that have not been touched since before the cutoff.
func (t *TokenBucket) Evict(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for key, b := range t.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(t.buckets, key)
			evicted++
		}
	}
	return evicted
}
