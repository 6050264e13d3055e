package pool

import (
	"sync"
	"time"
)

// counters holds the pool-level statistics, guarded by Pool.statsMu.
// Workers flush their private accumulators into these; the herder flushes
// these into the process-wide Aggregate.
type counters struct {
	created    uint64
	destroyed  uint64
	failed     uint64
	limited    uint64 // creations withheld by the add/fail delay gates
	dropped    uint64
	processed  uint64
	flushes    uint64
	flushSkips uint64 // best-effort worker flushes skipped under contention
	stackBytes uint64 // reserved worker stack bytes, gauge
}

// PoolStats is a point-in-time snapshot of one pool's state and counters.
type PoolStats struct {
	Pool          int
	Workers       int
	Idle          int
	Busy          int
	Queued        int
	QueueCapacity int

	Created    uint64
	Destroyed  uint64
	Failed     uint64
	Limited    uint64
	Dropped    uint64
	Processed  uint64
	Flushes    uint64
	FlushSkips uint64
	StackBytes uint64

	LastDrain time.Time
}

// AggregateSnapshot is a copy of the process-wide counters.
type AggregateSnapshot struct {
	ThreadsCreated   uint64
	ThreadsDestroyed uint64
	ThreadsFailed    uint64
	ThreadsLimited   uint64
	TasksProcessed   uint64
	QueueDropped     uint64
	StatsFlushes     uint64
	StatsFlushSkips  uint64
	StackBytes       uint64
}

// Aggregate holds the process-wide statistics. It is written only by
// flush operations, never by per-task paths, so the hot path stays free
// of global lock contention.
type Aggregate struct {
	mu sync.Mutex
	s  AggregateSnapshot
}

// NewAggregate returns an empty process-wide counter set.
func NewAggregate() *Aggregate {
	return &Aggregate{}
}

// merge folds a pool's counter deltas into the aggregate. Called by the
// herder's periodic flush; blocking is acceptable there.
func (a *Aggregate) merge(d counters, stackDelta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.ThreadsCreated += d.created
	a.s.ThreadsDestroyed += d.destroyed
	a.s.ThreadsFailed += d.failed
	a.s.ThreadsLimited += d.limited
	a.s.TasksProcessed += d.processed
	a.s.QueueDropped += d.dropped
	a.s.StatsFlushes += d.flushes
	a.s.StatsFlushSkips += d.flushSkips
	a.s.StackBytes = uint64(int64(a.s.StackBytes) + stackDelta)
}

// Snapshot returns a copy of the aggregate counters.
func (a *Aggregate) Snapshot() AggregateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s
}
