// Package admission implements the admission-control layer that decides
// whether an inbound callback request is served at all. Two independently
// tuned strategies are available behind one interface: a token bucket with
// smooth refill, and a sliding window that escalates sustained abuse to a
// timed block.
package admission

import (
	"fmt"
	"time"

	"cvflow/pkg/config"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// Allowed admits the request.
	Allowed Decision = iota
	// RateLimited rejects the request because the client exceeded its rate.
	RateLimited
	// Blocked rejects the request because the client is serving a timed
	// block imposed after a rate violation.
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Strategy decides whether a request from the given client key is admitted
// at the given instant. Implementations mutate per-client in-memory state
// and must be safe for concurrent use.
//
// Evict is an explicit maintenance operation: it drops per-client state that
// has been idle since before the cutoff and returns the number of clients
// removed.
type Strategy interface {
	Check(key string, now time.Time) Decision
	Evict(cutoff time.Time) int
	Name() string
}

// NewStrategy builds the configured Strategy.
func NewStrategy(cfg config.AdmissionConfig) (Strategy, error) {
	switch cfg.Strategy {
	case config.StrategyTokenBucket:
		return NewTokenBucket(cfg.Capacity, cfg.RefillRate), nil
	case config.StrategySlidingWindow:
		return NewSlidingWindow(cfg.MaxRequests, cfg.Window, cfg.BlockDuration), nil
	default:
		return nil, fmt.Errorf("unknown admission strategy %q", cfg.Strategy)
	}
}
