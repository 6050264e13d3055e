package pool

import (
	"context"
	"sync"
	"time"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// Default control-loop intervals. The minter has to notice a filling
// queue within a handful of ticks, so its interval is short; the herder
// decays pools on a slower clock. Both are tunable via Options; the
// right constants are workload-dependent.
const (
	DefaultMinterInterval = 10 * time.Millisecond
	DefaultHerderInterval = 100 * time.Millisecond
)

// Options tunes the registry's control loops. Zero values pick defaults.
type Options struct {
	// MinterInterval is the tick of the worker-creation loop
	MinterInterval time.Duration

	// HerderInterval is the tick of the idle-decay and stats-flush loop
	HerderInterval time.Duration

	// WatchdogInterval is the tick of the stuck-queue check; defaults
	// to half the watchdog timeout
	WatchdogInterval time.Duration

	// Spawn reserves execution resources for new workers; defaults to
	// a spawner that never fails
	Spawn SpawnFunc

	// OnStuck replaces the watchdog's fatal process exit. Tests and
	// embedders that report to a supervisor themselves use this.
	OnStuck func(poolID int, age time.Duration)

	// DropPools permits live pool removal via DropCapability
	DropPools bool
}

// Registry is the append-only set of pools plus the shared control
// loops. Pools can be added while running; removing one requires the
// explicit drop capability.
type Registry struct {
	log logger.Logger
	agg *Aggregate

	mu    sync.RWMutex
	pools []*Pool
	cfg   Config

	minterInterval   time.Duration
	herderInterval   time.Duration
	watchdogInterval time.Duration
	spawn            SpawnFunc
	onStuck          func(poolID int, age time.Duration)
	dropEnabled      bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRegistry creates count pools with the given configuration. The
// control loops do not run until Start.
func NewRegistry(cfg Config, count int, log logger.Logger, opts Options) *Registry {
	if opts.MinterInterval <= 0 {
		opts.MinterInterval = DefaultMinterInterval
	}
	if opts.HerderInterval <= 0 {
		opts.HerderInterval = DefaultHerderInterval
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = cfg.WatchdogTimeout / 2
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = DefaultHerderInterval
	}
	if opts.Spawn == nil {
		opts.Spawn = func(int) error { return nil }
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		log:              log,
		agg:              NewAggregate(),
		cfg:              cfg,
		minterInterval:   opts.MinterInterval,
		herderInterval:   opts.HerderInterval,
		watchdogInterval: opts.WatchdogInterval,
		spawn:            opts.Spawn,
		onStuck:          opts.OnStuck,
		dropEnabled:      opts.DropPools,
		ctx:              ctx,
		cancel:           cancel,
	}

	for i := 0; i < count; i++ {
		r.pools = append(r.pools, newPool(ctx, i, cfg, log, r.spawn))
	}
	return r
}

// Start launches the minter, herder, and watchdog. Idempotent.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			r.cancel()
		case <-r.ctx.Done():
		}
	}()

	r.wg.Add(3)
	go r.runMinter(r.ctx)
	go r.runHerder(r.ctx)
	go r.runWatchdog(r.ctx)

	r.log.WithFields(logger.Fields{
		"pools": len(r.Pools()),
	}).Info("Scheduler started")
}

// Stop shuts down the control loops and every pool.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()

	for _, p := range r.Pools() {
		p.stop()
		p.flushInto(r.agg)
	}
	r.log.Info("Scheduler stopped")
}

// Pool returns the pool at index i.
func (r *Registry) Pool(i int) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.pools) {
		return nil, ErrNoSuchPool
	}
	return r.pools[i], nil
}

// Pools returns a snapshot of the current pool set.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, len(r.pools))
	copy(out, r.pools)
	return out
}

// Count returns the number of live pools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Grow raises the pool count to target. Extra pools spin up under the
// running control loops immediately; a target at or below the current
// count is a no-op.
func (r *Registry) Grow(target int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pools) < target {
		p := newPool(r.ctx, len(r.pools), r.cfg, r.log, r.spawn)
		r.pools = append(r.pools, p)
		r.log.WithFields(logger.Fields{
			"pool": p.ID(),
		}).Info("Pool added")
	}
}

// ApplyConfig distributes a new configuration snapshot to every pool and
// uses it for pools created later.
func (r *Registry) ApplyConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	pools := make([]*Pool, len(r.pools))
	copy(pools, r.pools)
	r.mu.Unlock()

	for _, p := range pools {
		p.setConfig(cfg)
	}
}

// Aggregate returns the process-wide statistics.
func (r *Registry) Aggregate() *Aggregate {
	return r.agg
}

// Snapshot returns per-pool stats for all pools.
func (r *Registry) Snapshot() []PoolStats {
	pools := r.Pools()
	out := make([]PoolStats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}

// DropCapability is the explicit opt-in handle required to remove a
// pool. The common path is append-only; only a registry built with the
// drop_pools debug flag hands one out.
type DropCapability struct {
	r *Registry
}

// DropCapability returns the removal handle, or ErrDropDisabled when the
// debug flag is off.
func (r *Registry) DropCapability() (*DropCapability, error) {
	if !r.dropEnabled {
		return nil, ErrDropDisabled
	}
	return &DropCapability{r: r}, nil
}

// Drop stops and removes the highest-numbered pool.
func (c *DropCapability) Drop() error {
	r := c.r

	r.mu.Lock()
	if len(r.pools) == 0 {
		r.mu.Unlock()
		return ErrNoSuchPool
	}
	p := r.pools[len(r.pools)-1]
	r.pools = r.pools[:len(r.pools)-1]
	r.mu.Unlock()

	p.stop()
	p.flushInto(r.agg)
	r.log.WithFields(logger.Fields{
		"pool": p.ID(),
	}).Warn("Pool dropped")
	return nil
}
