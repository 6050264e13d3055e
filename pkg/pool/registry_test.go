package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryConfig() Config {
	return Config{
		MinThreads:      2,
		MaxThreads:      8,
		IdleTimeout:     30 * time.Millisecond,
		WatchdogTimeout: time.Minute,
		DestroyDelay:    20 * time.Millisecond,
		AddDelay:        0,
		FailDelay:       50 * time.Millisecond,
		StatsRate:       10,
		QueueLimit:      20,
		StackSize:       64 * 1024,
	}
}

func fastOptions() Options {
	return Options{
		MinterInterval: 5 * time.Millisecond,
		HerderInterval: 10 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, cfg Config, count int, opts Options) *Registry {
	t.Helper()
	r := NewRegistry(cfg, count, testLogger(), opts)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistryCreatesPrimedPools(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 2, fastOptions())

	assert.Equal(t, 2, r.Count())
	for _, p := range r.Pools() {
		assert.Equal(t, 2, p.WorkerCount())
	}

	_, err := r.Pool(2)
	assert.ErrorIs(t, err, ErrNoSuchPool)
	_, err = r.Pool(-1)
	assert.ErrorIs(t, err, ErrNoSuchPool)
}

func TestRegistryExecutesAcrossPools(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 2, fastOptions())
	r.Start(context.Background())

	var done atomic.Int32
	for i := 0; i < 40; i++ {
		p, err := r.Pool(i % 2)
		require.NoError(t, err)
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { done.Add(1) },
		}))
	}

	waitFor(t, 2*time.Second, func() bool { return done.Load() == 40 },
		"tasks run on both pools")
}

func TestRegistryMinterGrowsBusyPool(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 1, fastOptions())
	r.Start(context.Background())
	p, err := r.Pool(0)
	require.NoError(t, err)

	// Hold both workers busy and keep a backlog queued; the minter has
	// to notice the dry pool and grow it
	block := make(chan struct{})
	defer close(block)
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { <-block },
		}))
	}

	waitFor(t, 2*time.Second, func() bool { return p.WorkerCount() > 2 },
		"minter grows the pool under pressure")
	waitFor(t, 2*time.Second, func() bool { return p.WorkerCount() <= 8 },
		"growth stays within MaxThreads")
}

func TestRegistryMinterIdlePoolStaysAtMin(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 1, fastOptions())
	r.Start(context.Background())
	p, err := r.Pool(0)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, p.WorkerCount(), "no pressure, no growth")
}

func TestRegistryHerderDecaysIdlePool(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 1, fastOptions())
	r.Start(context.Background())
	p, err := r.Pool(0)
	require.NoError(t, err)

	// Grow the pool with a burst, then let it go idle
	block := make(chan struct{})
	var release sync.Once
	defer release.Do(func() { close(block) })
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { <-block },
		}))
	}
	waitFor(t, 2*time.Second, func() bool { return p.WorkerCount() >= 4 }, "grown")
	release.Do(func() { close(block) })

	// Idle decay brings it back to the minimum, one retirement at a
	// time, and never below
	waitFor(t, 5*time.Second, func() bool { return p.WorkerCount() == 2 },
		"herder decays the idle pool to MinThreads")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, p.WorkerCount())
	assert.Greater(t, p.Stats().Destroyed, uint64(0))
}

func TestRegistryWatchdogReportsStuckQueue(t *testing.T) {
	cfg := registryConfig()
	cfg.MinThreads = 2
	cfg.MaxThreads = 2 // no growth, so the queue can actually wedge
	cfg.WatchdogTimeout = 60 * time.Millisecond

	type trip struct {
		pool int
		age  time.Duration
	}
	trips := make(chan trip, 1)

	opts := fastOptions()
	opts.WatchdogInterval = 10 * time.Millisecond
	opts.OnStuck = func(poolID int, age time.Duration) {
		select {
		case trips <- trip{pool: poolID, age: age}:
		default:
		}
	}

	r := newTestRegistry(t, cfg, 1, opts)
	r.Start(context.Background())
	p, err := r.Pool(0)
	require.NoError(t, err)

	// Wedge the pool: both workers blocked, one task stranded in queue
	block := make(chan struct{})
	defer close(block)
	var started sync.WaitGroup
	started.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run: func(context.Context) {
				started.Done()
				<-block
			},
		}))
	}
	started.Wait()
	require.NoError(t, p.Submit(nopTask(ClassRequest)))

	select {
	case got := <-trips:
		assert.Equal(t, 0, got.pool)
		assert.Greater(t, got.age, cfg.WatchdogTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never reported the stuck queue")
	}
}

func TestRegistryWatchdogQuietOnEmptyQueue(t *testing.T) {
	cfg := registryConfig()
	cfg.WatchdogTimeout = 20 * time.Millisecond

	tripped := make(chan struct{}, 1)
	opts := fastOptions()
	opts.WatchdogInterval = 5 * time.Millisecond
	opts.OnStuck = func(int, time.Duration) {
		select {
		case tripped <- struct{}{}:
		default:
		}
	}

	r := newTestRegistry(t, cfg, 1, opts)
	r.Start(context.Background())

	// An empty queue is never stuck, no matter how long since the last
	// drain
	select {
	case <-tripped:
		t.Fatal("watchdog tripped on an idle pool")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRegistryGrowAddsPools(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 1, fastOptions())
	r.Start(context.Background())

	r.Grow(3)
	assert.Equal(t, 3, r.Count())

	// Growing down is a no-op without the drop capability
	r.Grow(2)
	assert.Equal(t, 3, r.Count())

	// New pools are live immediately
	p, err := r.Pool(2)
	require.NoError(t, err)
	var done atomic.Bool
	require.NoError(t, p.Submit(Task{
		Class: ClassRequest,
		Run:   func(context.Context) { done.Store(true) },
	}))
	waitFor(t, 2*time.Second, done.Load, "task runs on the grown pool")
}

func TestRegistryDropRequiresCapability(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 2, fastOptions())

	_, err := r.DropCapability()
	assert.ErrorIs(t, err, ErrDropDisabled)
	assert.Equal(t, 2, r.Count())
}

func TestRegistryDropRemovesHighestPool(t *testing.T) {
	opts := fastOptions()
	opts.DropPools = true
	r := newTestRegistry(t, registryConfig(), 3, opts)
	r.Start(context.Background())

	dropCap, err := r.DropCapability()
	require.NoError(t, err)

	victim, err := r.Pool(2)
	require.NoError(t, err)

	require.NoError(t, dropCap.Drop())
	assert.Equal(t, 2, r.Count())

	// The dropped pool is stopped; survivors keep working
	assert.ErrorIs(t, victim.Submit(nopTask(ClassRequest)), ErrPoolStopped)
	p, err := r.Pool(0)
	require.NoError(t, err)
	assert.NoError(t, p.Submit(nopTask(ClassRequest)))
}

func TestRegistryDropEmpty(t *testing.T) {
	opts := fastOptions()
	opts.DropPools = true
	r := newTestRegistry(t, registryConfig(), 1, opts)

	dropCap, err := r.DropCapability()
	require.NoError(t, err)
	require.NoError(t, dropCap.Drop())
	assert.ErrorIs(t, dropCap.Drop(), ErrNoSuchPool)
}

func TestRegistryApplyConfigReachesAllPools(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 2, fastOptions())
	r.Start(context.Background())

	cfg := registryConfig()
	cfg.QueueLimit = 7
	r.ApplyConfig(cfg)

	for _, p := range r.Pools() {
		assert.Equal(t, 7, p.Config().QueueLimit)
	}

	// Pools grown later inherit the applied configuration
	r.Grow(3)
	p, err := r.Pool(2)
	require.NoError(t, err)
	assert.Equal(t, 7, p.Config().QueueLimit)
}

func TestRegistryApplyConfigRaisesMinimum(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 1, fastOptions())
	r.Start(context.Background())
	p, err := r.Pool(0)
	require.NoError(t, err)

	cfg := registryConfig()
	cfg.MinThreads = 4
	r.ApplyConfig(cfg)

	// The minter tops the pool up to the new minimum
	waitFor(t, 2*time.Second, func() bool { return p.WorkerCount() >= 4 },
		"pool grows to the raised minimum")
}

func TestRegistryStopFlushesAggregate(t *testing.T) {
	r := NewRegistry(registryConfig(), 2, testLogger(), fastOptions())
	r.Start(context.Background())

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		p, err := r.Pool(i % 2)
		require.NoError(t, err)
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { done.Add(1) },
		}))
	}
	waitFor(t, 2*time.Second, func() bool { return done.Load() == 10 }, "tasks done")

	r.Stop()

	s := r.Aggregate().Snapshot()
	assert.Equal(t, uint64(10), s.TasksProcessed)
	assert.GreaterOrEqual(t, s.ThreadsCreated, uint64(4))
}

func TestRegistrySnapshotCoversAllPools(t *testing.T) {
	r := newTestRegistry(t, registryConfig(), 3, fastOptions())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i, s := range snap {
		assert.Equal(t, i, s.Pool)
		assert.Equal(t, 2, s.Workers)
	}
}

func TestRegistryParentContextCancelStopsLoops(t *testing.T) {
	r := NewRegistry(registryConfig(), 1, testLogger(), fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	cancel()

	// Stop after parent cancellation must not hang
	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after parent context cancellation")
	}
}
