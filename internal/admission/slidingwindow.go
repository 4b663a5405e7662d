package admission

import (
	"sync"
	"time"
)

// SlidingWindow is an in-memory per-client strategy that counts requests in
// a trailing window and escalates a violation to a timed full block. It is
// strictly more punitive than TokenBucket: once the ceiling is hit, every
// request from that client is rejected until the block expires.
type SlidingWindow struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	blocked     map[string]time.Time
	maxRequests int
	window      time.Duration
	blockFor    time.Duration
}

// NewSlidingWindow creates a SlidingWindow admitting at most maxRequests per
// window, blocking violators for blockFor.
func NewSlidingWindow(maxRequests int, window, blockFor time.Duration) *SlidingWindow {
	return &SlidingWindow{
		requests:    make(map[string][]time.Time),
		blocked:     make(map[string]time.Time),
		maxRequests: maxRequests,
		window:      window,
		blockFor:    blockFor,
	}
}

func (s *SlidingWindow) Name() string { return "sliding_window" }

// Check applies, in order: the block gate, lazy pruning of the client's
// request log, the window ceiling, and finally the log append. An attempt
// made while blocked is not recorded against the window, and the attempt
// that triggers a block does not count toward a future window.
func (s *SlidingWindow) Check(key string, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.blocked[key]; ok {
		if now.Before(until) {
			return Blocked
		}
		delete(s.blocked, key)
	}

	log := s.requests[key]
	pruned := log[:0]
	for _, t := range log {
		if now.Sub(t) < s.window {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= s.maxRequests {
		s.requests[key] = pruned
		s.blocked[key] = now.Add(s.blockFor)
		return RateLimited
	}

	s.requests[key] = append(pruned, now)
	return Allowed
}

// Evict drops request logs with no entry since the cutoff and block entries
// that have expired by the cutoff.
func (s *SlidingWindow) Evict(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, log := range s.requests {
		if len(log) == 0 || log[len(log)-1].Before(cutoff) {
			delete(s.requests, key)
			evicted++
		}
	}
	for key, until := range s.blocked {
		if until.Before(cutoff) {
			delete(s.blocked, key)
			evicted++
		}
	}
	return evicted
}
