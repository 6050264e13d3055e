/*
Package pool implements the adaptive worker-pool scheduler: multiple
independent pools of dynamically created and destroyed workers, a bounded
multi-class task queue per pool, and the global control loops that size the
pools under load (minter), decay them when idle (herder), and abort the
process when a queue stops making progress (watchdog).

Basic usage:

	reg := pool.NewRegistry(cfg, 2, log, pool.Options{})
	reg.Start(ctx)

	err := reg.Pool(0).Submit(pool.Task{
		Class: pool.ClassRequest,
		Run: func(ctx context.Context) {
			// task implementation
		},
	})

	// ...
	reg.Stop()

Submission never blocks: a full queue drops the task with ErrQueueFull and
bumps the drop counter. Sizing is centralized in the minter and herder;
workers only ever retire themselves, they never create peers.
*/
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// Pool owns one task queue and a set of workers. Workers never outlive
// their pool.
type Pool struct {
	id    int
	log   logger.Logger
	queue *taskQueue
	spawn SpawnFunc

	// cfg is an immutable snapshot; runtime updates swap in a new one
	cfg atomic.Pointer[Config]

	// mu guards the worker set, lifecycle flags, and the creation and
	// destruction gates
	mu          sync.Mutex
	workers     map[*worker]struct{}
	nextWorker  uint64
	lastFail    time.Time
	lastDestroy time.Time
	stopped     bool

	// addGate rate-limits creations when AddDelay > 0
	addGate *rate.Limiter

	idle atomic.Int32
	busy atomic.Int32

	// dry is set by Submit when no idle worker was available; the
	// minter consumes it as its pressure signal
	dry atomic.Bool

	// statsMu guards counts. Workers take it with TryLock only, so the
	// per-task path never blocks on statistics.
	statsMu sync.Mutex
	counts  counters
	flushed counters // portion already merged into the aggregate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPool(parent context.Context, id int, cfg Config, log logger.Logger, spawn SpawnFunc) *Pool {
	ctx, cancel := context.WithCancel(parent)
	p := &Pool{
		id:      id,
		log:     log.WithFields(logger.Fields{"pool": id}),
		queue:   newTaskQueue(0),
		spawn:   spawn,
		workers: make(map[*worker]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.setConfig(cfg)

	// Prime the pool to its minimum so it can accept work immediately;
	// the minter keeps it there after retirements or failures.
	now := time.Now()
	for i := 0; i < cfg.MinThreads; i++ {
		if err := p.addWorker(now); err != nil {
			p.log.WithFields(logger.Fields{
				"error":   err.Error(),
				"workers": i,
			}).Warn("Pool priming stopped early")
			break
		}
	}
	return p
}

// ID returns the pool's index in its registry.
func (p *Pool) ID() int {
	return p.id
}

// Config returns the pool's current configuration snapshot.
func (p *Pool) Config() Config {
	return *p.cfg.Load()
}

// setConfig installs a new configuration snapshot. The creation gate is
// rebuilt only when AddDelay actually changes, so re-applying a config
// does not hand out a fresh creation token. Stack size changes apply to
// new workers only.
func (p *Pool) setConfig(cfg Config) {
	prev := p.cfg.Swap(&cfg)

	p.mu.Lock()
	switch {
	case cfg.AddDelay <= 0:
		p.addGate = nil
	case prev == nil || prev.AddDelay != cfg.AddDelay || p.addGate == nil:
		p.addGate = rate.NewLimiter(rate.Every(cfg.AddDelay), 1)
	}
	n := len(p.workers)
	p.mu.Unlock()

	p.queue.setCapacity(cfg.QueueLimit * n)
}

// Submit queues a task in its priority class. It fails with ErrQueueFull
// at capacity (the task is dropped, not retried) and never blocks the
// submitter. An accepted task wakes at most one idle worker.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return ErrNilTask
	}
	if t.Class < 0 || int(t.Class) >= NumClasses {
		return ErrInvalidClass
	}

	// No idle worker available: pressure signal for the minter
	if p.idle.Load() == 0 {
		p.dry.Store(true)
	}

	err := p.queue.submit(t)
	if err == ErrQueueFull {
		p.statsMu.Lock()
		p.counts.dropped++
		p.statsMu.Unlock()
	}
	return err
}

// WorkerCount returns the number of live workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IdleCount returns the number of workers waiting for a task.
func (p *Pool) IdleCount() int {
	return int(p.idle.Load())
}

// QueueLen returns the number of queued tasks across all classes.
func (p *Pool) QueueLen() int {
	return p.queue.len()
}

// LastDrain returns the time of the last successful queue drain; the
// watchdog compares it against the stuck-queue threshold.
func (p *Pool) LastDrain() time.Time {
	return p.queue.lastDrainTime()
}

// classLimit returns the lowest-priority class a drain may currently
// claim. The reserve holds back idle capacity for the vital classes: the
// less urgent the class, the more idle headroom it needs before a worker
// will take it.
func (p *Pool) classLimit() Class {
	cfg := p.Config()
	if cfg.ReserveThreads <= 0 {
		return Class(NumClasses - 1)
	}
	idle := int(p.idle.Load())
	limit := ClassBackend
	for c := 1; c < NumClasses; c++ {
		if cfg.ReserveThreads*c/(NumClasses-1) < idle {
			limit = Class(c)
		}
	}
	return limit
}

// breed makes at most one worker-creation decision. Called by the minter
// once per interval; the attenuation lives here (one attempt, add-delay
// and fail-delay gates) so a single spike cannot cause a thread pileup.
func (p *Pool) breed(now time.Time) {
	cfg := p.Config()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	n := len(p.workers)
	p.mu.Unlock()

	if n >= cfg.MaxThreads {
		return
	}

	// Pressure: the dry flag latched by Submit, re-armed here while
	// queued work still has no idle worker to run it
	dry := p.dry.Swap(false)
	if p.queue.len() > 0 && p.idle.Load() == 0 {
		dry = true
	}

	if n >= cfg.MinThreads && !dry {
		return
	}

	p.mu.Lock()
	lastFail := p.lastFail
	gate := p.addGate
	p.mu.Unlock()

	if !lastFail.IsZero() && now.Sub(lastFail) < cfg.FailDelay {
		p.statsMu.Lock()
		p.counts.limited++
		p.statsMu.Unlock()
		return
	}

	// Take the creation token as a reservation so a failed spawn can
	// hand it back instead of burning the AddDelay budget
	var res *rate.Reservation
	if gate != nil {
		res = gate.Reserve()
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			p.statsMu.Lock()
			p.counts.limited++
			p.statsMu.Unlock()
			return
		}
	}

	if err := p.addWorker(now); err != nil {
		if res != nil {
			res.Cancel()
		}
		p.log.WithFields(logger.Fields{
			"error":   err.Error(),
			"workers": n,
		}).Warn("Worker creation failed")
	}
}

// addWorker creates and starts one worker. A spawn failure is recorded
// and rate-limited via FailDelay; the pool keeps operating with fewer
// workers than desired.
func (p *Pool) addWorker(now time.Time) error {
	cfg := p.Config()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if len(p.workers) >= cfg.MaxThreads {
		return nil
	}

	if err := p.spawn(cfg.StackSize); err != nil {
		p.lastFail = now
		p.statsMu.Lock()
		p.counts.failed++
		p.statsMu.Unlock()
		return err
	}

	p.nextWorker++
	w := &worker{
		id:         p.nextWorker,
		pool:       p,
		retire:     make(chan struct{}, 1),
		stackBytes: cfg.StackSize,
	}
	p.workers[w] = struct{}{}

	p.statsMu.Lock()
	p.counts.created++
	p.counts.stackBytes += uint64(cfg.StackSize)
	p.statsMu.Unlock()

	p.queue.setCapacity(cfg.QueueLimit * len(p.workers))

	p.wg.Add(1)
	go w.run()
	return nil
}

// destroyGateOpen reports whether a retirement is permitted now, and
// claims the gate if so. Both the herder path and worker self-retirement
// go through it, which spaces destructions at least DestroyDelay apart.
func (p *Pool) destroyGateOpen(now time.Time) bool {
	cfg := p.Config()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastDestroy.IsZero() && now.Sub(p.lastDestroy) < cfg.DestroyDelay {
		return false
	}
	p.lastDestroy = now
	return true
}

// tryRetireSelf is the worker self-retirement path: a worker idle past
// IdleTimeout retires if the pool is above MinThreads and the destroy
// gate is open.
func (p *Pool) tryRetireSelf(w *worker) bool {
	cfg := p.Config()

	p.mu.Lock()
	stopped := p.stopped
	n := len(p.workers)
	p.mu.Unlock()

	if stopped {
		return true
	}
	if n <= cfg.MinThreads {
		return false
	}
	return p.destroyGateOpen(time.Now())
}

// retireOldestIdle is the herder path: retire the worker that has been
// idle the longest, provided the pool is above MinThreads, the worker
// exceeded IdleTimeout, and the destroy gate is open. Returns true if a
// retirement was initiated.
func (p *Pool) retireOldestIdle(now time.Time) bool {
	cfg := p.Config()

	p.mu.Lock()
	if p.stopped || len(p.workers) <= cfg.MinThreads {
		p.mu.Unlock()
		return false
	}

	var victim *worker
	var oldest int64
	for w := range p.workers {
		if workerState(w.state.Load()) != workerIdle {
			continue
		}
		since := w.idleSince.Load()
		if now.UnixNano()-since < int64(cfg.IdleTimeout) {
			continue
		}
		if victim == nil || since < oldest {
			victim = w
			oldest = since
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return false
	}
	if !p.destroyGateOpen(now) {
		return false
	}

	select {
	case victim.retire <- struct{}{}:
	default:
	}
	return true
}

// removeWorker takes a worker out of the pool after its goroutine has
// decided to exit; exiting frees its accounted stack.
func (p *Pool) removeWorker(w *worker) {
	p.mu.Lock()
	delete(p.workers, w)
	n := len(p.workers)
	p.mu.Unlock()

	p.statsMu.Lock()
	p.counts.destroyed++
	p.counts.stackBytes -= uint64(w.stackBytes)
	p.statsMu.Unlock()

	p.queue.setCapacity(p.Config().QueueLimit * n)
}

// flushWorker folds a worker's private accumulator into the pool
// counters. The best-effort path skips when the lock is contended, so the
// work loop never blocks on statistics; the herder uses force to bound
// staleness.
func (p *Pool) flushWorker(w *worker, force bool) bool {
	if force {
		p.statsMu.Lock()
	} else if !p.statsMu.TryLock() {
		w.flushSkips.Add(1)
		return false
	}
	defer p.statsMu.Unlock()

	p.counts.processed += w.tasks.Swap(0)
	p.counts.flushSkips += w.flushSkips.Swap(0)
	p.counts.flushes++
	return true
}

// flushInto merges this pool's counter deltas into the process-wide
// aggregate. Called by the herder; the only blocking writer of the
// aggregate.
func (p *Pool) flushInto(agg *Aggregate) {
	p.statsMu.Lock()
	delta := counters{
		created:    p.counts.created - p.flushed.created,
		destroyed:  p.counts.destroyed - p.flushed.destroyed,
		failed:     p.counts.failed - p.flushed.failed,
		limited:    p.counts.limited - p.flushed.limited,
		dropped:    p.counts.dropped - p.flushed.dropped,
		processed:  p.counts.processed - p.flushed.processed,
		flushes:    p.counts.flushes - p.flushed.flushes,
		flushSkips: p.counts.flushSkips - p.flushed.flushSkips,
	}
	stackDelta := int64(p.counts.stackBytes) - int64(p.flushed.stackBytes)
	p.flushed = p.counts
	p.statsMu.Unlock()

	agg.merge(delta, stackDelta)
}

// Stats returns a point-in-time snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	workers := len(p.workers)
	p.mu.Unlock()

	p.statsMu.Lock()
	c := p.counts
	p.statsMu.Unlock()

	cfg := p.Config()
	return PoolStats{
		Pool:          p.id,
		Workers:       workers,
		Idle:          int(p.idle.Load()),
		Busy:          int(p.busy.Load()),
		Queued:        p.queue.len(),
		QueueCapacity: cfg.QueueLimit * workers,
		Created:       c.created,
		Destroyed:     c.destroyed,
		Failed:        c.failed,
		Limited:       c.limited,
		Dropped:       c.dropped,
		Processed:     c.processed,
		Flushes:       c.flushes,
		FlushSkips:    c.flushSkips,
		StackBytes:    c.stackBytes,
		LastDrain:     p.queue.lastDrainTime(),
	}
}

// stop shuts the pool down: no new submissions, all workers exit.
func (p *Pool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.queue.close()
	p.wg.Wait()
}
