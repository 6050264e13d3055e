package pool

import (
	"context"
	"time"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// runHerder is the pool herder loop: one instance for all pools,
// independent of the minter. Each interval it retires at most one
// long-idle excess worker per pool (the destroy gate spaces retirements
// DestroyDelay apart) and performs the forced statistics flushes that
// bound counter staleness under low traffic.
func (r *Registry) runHerder(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.herderInterval)
	defer ticker.Stop()

	r.log.WithFields(logger.Fields{
		"interval": r.herderInterval.String(),
	}).Debug("Herder started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range r.Pools() {
				if p.retireOldestIdle(now) {
					r.log.WithFields(logger.Fields{
						"pool": p.ID(),
					}).Debug("Retiring idle worker")
				}
				p.forceFlush()
				p.flushInto(r.agg)
			}
		}
	}
}

// forceFlush drains every worker accumulator that still has unflushed
// numbers. Workers flush best-effort on their own; this is the backstop
// that keeps the counters from going stale indefinitely.
func (p *Pool) forceFlush() {
	p.mu.Lock()
	pending := make([]*worker, 0, len(p.workers))
	for w := range p.workers {
		if w.tasks.Load() > 0 || w.flushSkips.Load() > 0 {
			pending = append(pending, w)
		}
	}
	p.mu.Unlock()

	for _, w := range pending {
		p.flushWorker(w, true)
	}
}
