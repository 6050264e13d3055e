package pool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// worker is a schedulable unit of execution bound to one pool for its
// lifetime. Its stats accumulator is private; only flush operations move
// the numbers into the pool counters.
type worker struct {
	id   uint64
	pool *Pool

	state     atomic.Int32
	idleSince atomic.Int64 // unix nanos, valid while idle

	// retire carries the herder's retirement signal
	retire chan struct{}

	// tasks is the processed count since the last flush
	tasks      atomic.Uint64
	flushSkips atomic.Uint64

	// stackBytes is the stack accounted at creation time; a later
	// StackSize change does not apply retroactively
	stackBytes int
}

// run is the worker loop: drain a task, execute it, account it, and
// self-retire when idle past the threshold with the pool above its
// minimum.
func (w *worker) run() {
	p := w.pool
	defer p.wg.Done()
	defer p.removeWorker(w)

	for {
		w.toIdle()
		cfg := p.Config()

		t, err := p.queue.drain(cfg.IdleTimeout, w.retire, p.classLimit)
		switch err {
		case nil:
			w.toBusy()
			w.execute(t)

			n := w.tasks.Add(1)
			if n >= uint64(maxInt(cfg.StatsRate, 1)) {
				p.flushWorker(w, false)
			}

		case errDrainTimeout:
			if p.tryRetireSelf(w) {
				w.toGone()
				return
			}

		default:
			// retirement signal or pool shutdown
			w.toGone()
			return
		}
	}
}

// execute runs one task, absorbing panics so a bad task cannot take the
// worker down with it.
func (w *worker) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.log.WithFields(logger.Fields{
				"worker": w.id,
				"class":  t.Class.String(),
				"panic":  fmt.Sprintf("%v", r),
			}).Error("Task panicked")
		}
	}()
	t.Run(w.pool.ctx)
}

func (w *worker) toIdle() {
	prev := workerState(w.state.Swap(int32(workerIdle)))
	if prev == workerIdle {
		// Loop re-entry after a drain timeout with retirement declined:
		// the worker never stopped being idle. The counter must not move,
		// and idleSince keeps its original timestamp so the herder sees
		// the full idle span.
		return
	}
	w.idleSince.Store(time.Now().UnixNano())
	if prev == workerBusy {
		w.pool.busy.Add(-1)
	}
	w.pool.idle.Add(1)

	// Idle headroom grew; a task held back by the reserve boundary may
	// be claimable now
	w.pool.queue.nudge()
}

func (w *worker) toBusy() {
	w.state.Store(int32(workerBusy))
	w.pool.idle.Add(-1)
	w.pool.busy.Add(1)
}

// toGone leaves the idle state for good; the caller removes the worker
// from the pool.
func (w *worker) toGone() {
	w.state.Store(int32(workerGone))
	w.pool.idle.Add(-1)
	// Hand any unflushed numbers over before the worker disappears
	w.pool.flushWorker(w, true)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
