package admission

import (
	"context"
	"time"

	"cvflow/pkg/logger"
)

// RunEvictor periodically evicts per-client state idle for twice the
// interval. It blocks until ctx is cancelled.
func RunEvictor(ctx context.Context, s Strategy, interval time.Duration) {
	log := logger.WithComponent("admission-evictor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * interval)
			if n := s.Evict(cutoff); n > 0 {
				log.Debug("evicted idle admission state",
					"strategy", s.Name(),
					"clients", n,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
