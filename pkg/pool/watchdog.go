package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// runWatchdog monitors queue liveness. A pool whose queue holds work but
// has not been drained within WatchdogTimeout is wedged, not slow: the
// only sane response is to die loudly and let the supervisor restart the
// process. This is the single fatal path in the scheduler.
func (r *Registry) runWatchdog(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.watchdogInterval)
	defer ticker.Stop()

	r.log.WithFields(logger.Fields{
		"interval": r.watchdogInterval.String(),
	}).Debug("Watchdog started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range r.Pools() {
				r.checkPool(p, now)
			}
		}
	}
}

func (r *Registry) checkPool(p *Pool, now time.Time) {
	queued := p.QueueLen()
	if queued == 0 {
		return
	}

	timeout := p.Config().WatchdogTimeout
	age := now.Sub(p.LastDrain())
	if age <= timeout {
		return
	}

	msg := fmt.Sprintf(
		"Pool %d queue stuck: %d tasks, no drain for %s (limit %s)",
		p.ID(), queued, age.Round(time.Millisecond), timeout)

	if r.onStuck != nil {
		r.onStuck(p.ID(), age)
		return
	}
	r.log.WithFields(logger.Fields{
		"pool":    p.ID(),
		"queued":  queued,
		"age":     age.String(),
		"timeout": timeout.String(),
	}).Fatal(msg)
}
