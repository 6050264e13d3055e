package pool

import (
	"context"
	"time"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// runMinter is the thread minter loop: one instance for all pools. Each
// interval it gives every pool one chance to create a worker; the
// per-pool decision and its rate limits live in Pool.breed. The interval
// is short so a burst is answered within a few ticks, while the per-pool
// gates keep sustained failures from turning into a creation storm.
func (r *Registry) runMinter(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.minterInterval)
	defer ticker.Stop()

	r.log.WithFields(logger.Fields{
		"interval": r.minterInterval.String(),
	}).Debug("Minter started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range r.Pools() {
				p.breed(now)
			}
		}
	}
}
