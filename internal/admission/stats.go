package admission

import (
	"context"
	"sync"
)

// Counts aggregates admission outcomes for one client key.
type Counts struct {
	Allowed     int64 `json:"allowed"`
	RateLimited int64 `json:"rate_limited"`
	Blocked     int64 `json:"blocked"`
}

// StatsStore records per-client admission outcomes for diagnostics.
type StatsStore interface {
	Record(ctx context.Context, key string, d Decision) error
	Summary(ctx context.Context) (map[string]Counts, error)
}

// MemoryStats is a process-local StatsStore.
type MemoryStats struct {
	mu     sync.Mutex
	counts map[string]*Counts
}

// NewMemoryStats creates an empty in-memory stats store.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{counts: make(map[string]*Counts)}
}

func (m *MemoryStats) Record(_ context.Context, key string, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counts[key]
	if !ok {
		c = &Counts{}
		m.counts[key] = c
	}
	switch d {
	case Allowed:
		c.Allowed++
	case RateLimited:
		c.RateLimited++
	case Blocked:
		c.Blocked++
	}
	return nil
}

func (m *MemoryStats) Summary(_ context.Context) (map[string]Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Counts, len(m.counts))
	for key, c := range m.counts {
		out[key] = *c
	}
	return out, nil
}
