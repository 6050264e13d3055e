package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.NewLogger(logger.Config{Output: io.Discard})
}

func testConfig() Config {
	return Config{
		MinThreads:      5,
		MaxThreads:      10,
		ReserveThreads:  0,
		IdleTimeout:     time.Minute,
		WatchdogTimeout: time.Minute,
		DestroyDelay:    10 * time.Millisecond,
		AddDelay:        0,
		FailDelay:       50 * time.Millisecond,
		StatsRate:       10,
		QueueLimit:      20,
		StackSize:       64 * 1024,
	}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := newPool(context.Background(), 0, cfg, testLogger(), func(int) error { return nil })
	t.Cleanup(p.stop)
	return p
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestPoolPrimesToMinThreads(t *testing.T) {
	p := newTestPool(t, testConfig())

	assert.Equal(t, 5, p.WorkerCount())
	waitFor(t, time.Second, func() bool { return p.IdleCount() == 5 },
		"all primed workers idle")

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Created)
	assert.Equal(t, uint64(5*64*1024), stats.StackBytes)
	assert.Equal(t, 100, stats.QueueCapacity)
}

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := newTestPool(t, testConfig())

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		err := p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { done.Add(1) },
		})
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool { return done.Load() == 20 },
		"all tasks executed")
}

func TestPoolSubmitValidation(t *testing.T) {
	p := newTestPool(t, testConfig())

	assert.ErrorIs(t, p.Submit(Task{Class: ClassRequest}), ErrNilTask)
	assert.ErrorIs(t, p.Submit(Task{Class: Class(99), Run: func(context.Context) {}}),
		ErrInvalidClass)
}

func TestPoolQueueOverflowDropsTask(t *testing.T) {
	cfg := testConfig()
	p := newTestPool(t, cfg)

	// Saturate the 5 workers so the queue actually fills
	block := make(chan struct{})
	defer close(block)
	var started sync.WaitGroup
	started.Add(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run: func(ctx context.Context) {
				started.Done()
				<-block
			},
		}))
	}
	started.Wait()

	// Capacity is QueueLimit per worker, 100 in total; fill it exactly
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(nopTask(ClassRequest)))
	}

	// The 101st queued task is dropped and counted
	err := p.Submit(nopTask(ClassRequest))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestPoolDryFlagSetWhenNoIdleWorker(t *testing.T) {
	p := newTestPool(t, testConfig())

	block := make(chan struct{})
	defer close(block)
	var started sync.WaitGroup
	started.Add(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run: func(ctx context.Context) {
				started.Done()
				<-block
			},
		}))
	}
	started.Wait()

	require.NoError(t, p.Submit(nopTask(ClassRequest)))
	assert.True(t, p.dry.Load(), "submit with no idle worker must latch the dry flag")
}

func TestPoolBreedRespectsMaxThreads(t *testing.T) {
	cfg := testConfig()
	cfg.MinThreads = 6
	cfg.MaxThreads = 6
	p := newTestPool(t, cfg)

	now := time.Now()
	p.dry.Store(true)
	p.breed(now)

	assert.Equal(t, 6, p.WorkerCount(), "worker count never exceeds MaxThreads")
}

func TestPoolBreedNoPressureNoGrowth(t *testing.T) {
	p := newTestPool(t, testConfig())

	// Warmed pool, empty queue: one minter decision changes nothing
	waitFor(t, time.Second, func() bool { return p.IdleCount() == 5 }, "pool warmed")
	p.breed(time.Now())

	assert.Equal(t, 5, p.WorkerCount())
}

func TestPoolBreedGrowsUnderPressure(t *testing.T) {
	p := newTestPool(t, testConfig())

	block := make(chan struct{})
	defer close(block)
	var started sync.WaitGroup
	started.Add(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run: func(ctx context.Context) {
				started.Done()
				<-block
			},
		}))
	}
	started.Wait()
	require.NoError(t, p.Submit(nopTask(ClassRequest)))

	p.breed(time.Now())
	assert.Equal(t, 6, p.WorkerCount(), "dry pool below max gains one worker")
}

func TestPoolBreedAtMostOnePerInterval(t *testing.T) {
	p := newTestPool(t, testConfig())

	block := make(chan struct{})
	defer close(block)
	var started sync.WaitGroup
	started.Add(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run: func(ctx context.Context) {
				started.Done()
				<-block
			},
		}))
	}
	started.Wait()
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(nopTask(ClassRequest)))
	}

	// One breed call is one creation attempt, however deep the backlog
	p.breed(time.Now())
	assert.Equal(t, 6, p.WorkerCount())
}

func TestPoolCreationFailureRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.MinThreads = 6

	spawnErr := errors.New("out of memory")
	var attempts atomic.Int32
	var fail atomic.Bool

	p := newPool(context.Background(), 0, cfg, testLogger(), func(int) error {
		attempts.Add(1)
		if fail.Load() {
			return spawnErr
		}
		return nil
	})
	t.Cleanup(p.stop)
	require.Equal(t, 6, p.WorkerCount())

	fail.Store(true)
	base := attempts.Load()

	// Force pressure so breed wants another worker
	p.dry.Store(true)
	now := time.Now()
	p.breed(now)
	assert.Equal(t, base+1, attempts.Load())
	assert.Equal(t, uint64(1), p.Stats().Failed)

	// Within FailDelay no further attempt is made
	p.dry.Store(true)
	p.breed(now.Add(10 * time.Millisecond))
	assert.Equal(t, base+1, attempts.Load(), "fail delay must suppress retries")

	// After FailDelay the minter tries again
	p.dry.Store(true)
	p.breed(now.Add(cfg.FailDelay + time.Millisecond))
	assert.Equal(t, base+2, attempts.Load())
}

func TestPoolAddDelayGate(t *testing.T) {
	cfg := testConfig()
	cfg.AddDelay = time.Hour // effectively closed after the first creation
	p := newTestPool(t, cfg)

	block := make(chan struct{})
	defer close(block)
	var started sync.WaitGroup
	started.Add(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run: func(ctx context.Context) {
				started.Done()
				<-block
			},
		}))
	}
	started.Wait()
	require.NoError(t, p.Submit(nopTask(ClassRequest)))

	now := time.Now()
	p.breed(now)
	n := p.WorkerCount()

	p.dry.Store(true)
	p.breed(now.Add(time.Millisecond))
	assert.Equal(t, n, p.WorkerCount(), "add delay must space creations")
	assert.GreaterOrEqual(t, p.Stats().Limited, uint64(1))
}

func TestPoolFailedSpawnKeepsCreationToken(t *testing.T) {
	cfg := testConfig()
	cfg.MinThreads = 6
	cfg.AddDelay = time.Hour

	var fail atomic.Bool
	p := newPool(context.Background(), 0, cfg, testLogger(), func(int) error {
		if fail.Load() {
			return errors.New("out of memory")
		}
		return nil
	})
	t.Cleanup(p.stop)
	require.Equal(t, 6, p.WorkerCount())

	now := time.Now()
	fail.Store(true)
	p.dry.Store(true)
	p.breed(now)
	require.Equal(t, uint64(1), p.Stats().Failed)
	require.Equal(t, 6, p.WorkerCount())

	// The failed attempt hands its token back: once FailDelay passes,
	// the next attempt succeeds without waiting out AddDelay
	fail.Store(false)
	p.dry.Store(true)
	p.breed(now.Add(cfg.FailDelay + time.Millisecond))
	assert.Equal(t, 7, p.WorkerCount())
	assert.Equal(t, uint64(0), p.Stats().Limited)
}

func TestPoolConfigReapplyKeepsAddDelayGate(t *testing.T) {
	cfg := testConfig()
	cfg.AddDelay = time.Hour
	p := newTestPool(t, cfg)

	// Consume the gate's only token
	p.dry.Store(true)
	p.breed(time.Now())
	require.Equal(t, 6, p.WorkerCount())

	// Re-applying a config with the same AddDelay must not re-arm the
	// gate with a fresh token
	next := p.Config()
	next.QueueLimit = 30
	p.setConfig(next)

	p.dry.Store(true)
	p.breed(time.Now())
	assert.Equal(t, 6, p.WorkerCount(), "config reapply must not bypass add delay")
	assert.GreaterOrEqual(t, p.Stats().Limited, uint64(1))

	// Changing AddDelay rebuilds the gate
	next.AddDelay = time.Nanosecond
	p.setConfig(next)
	p.dry.Store(true)
	p.breed(time.Now())
	assert.Equal(t, 7, p.WorkerCount())
}

func TestPoolWorkerSelfRetires(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.DestroyDelay = 10 * time.Millisecond
	p := newTestPool(t, cfg)

	// Push above minimum
	p.dry.Store(true)
	p.breed(time.Now())
	require.Equal(t, 6, p.WorkerCount())

	// With nothing to do, the excess worker retires back to the minimum
	waitFor(t, 2*time.Second, func() bool { return p.WorkerCount() == 5 },
		"excess idle worker retires")

	// The minimum is never undercut by idleness
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, p.WorkerCount())
	assert.Equal(t, uint64(1), p.Stats().Destroyed)
}

func TestPoolIdleCountStableAcrossDrainTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.MinThreads = 2
	cfg.MaxThreads = 2
	cfg.IdleTimeout = 20 * time.Millisecond
	p := newTestPool(t, cfg)

	waitFor(t, time.Second, func() bool { return p.IdleCount() == 2 },
		"primed workers idle")

	// With the pool at its minimum, every idle timeout re-enters the
	// worker loop with retirement declined. The idle count must not
	// drift while that happens.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, p.WorkerCount())
	assert.Equal(t, 2, p.IdleCount())
}

func TestPoolHerderRetiresLongIdleWorker(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Hour // too long for self-retirement to fire
	p := newTestPool(t, cfg)

	p.dry.Store(true)
	p.breed(time.Now())
	require.Equal(t, 6, p.WorkerCount())
	waitFor(t, time.Second, func() bool { return p.IdleCount() == 6 },
		"all workers idle")

	// The herder judges idleness with its own clock. A worker whose
	// idleSince is older than the threshold gets the retirement signal
	// even though its own drain never timed out.
	ok := p.retireOldestIdle(time.Now().Add(2 * time.Hour))
	assert.True(t, ok, "herder must find a retirement candidate")

	waitFor(t, 2*time.Second, func() bool { return p.WorkerCount() == 5 },
		"signalled worker retires")
	assert.Equal(t, uint64(1), p.Stats().Destroyed)
}

func TestPoolStatsFlushOnRate(t *testing.T) {
	cfg := testConfig()
	cfg.StatsRate = 1 // flush after every task
	p := newTestPool(t, cfg)

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { done.Add(1) },
		}))
	}
	waitFor(t, 2*time.Second, func() bool { return done.Load() == 10 }, "tasks done")

	// Workers flush on their own at this rate; an individual flush is
	// best-effort, so only the presence of self-flushed numbers is asserted
	waitFor(t, time.Second, func() bool { return p.Stats().Processed > 0 },
		"per-worker accumulators flushed into pool counters")

	p.forceFlush()
	assert.Equal(t, uint64(10), p.Stats().Processed)
}

func TestPoolForceFlushCollectsStragglers(t *testing.T) {
	cfg := testConfig()
	cfg.StatsRate = 1000 // workers will not self-flush
	p := newTestPool(t, cfg)

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { done.Add(1) },
		}))
	}
	waitFor(t, 2*time.Second, func() bool { return done.Load() == 10 }, "tasks done")

	assert.Less(t, p.Stats().Processed, uint64(10),
		"below the stats rate nothing is flushed yet")

	p.forceFlush()
	assert.Equal(t, uint64(10), p.Stats().Processed)
}

func TestPoolFlushIntoAggregateDeltas(t *testing.T) {
	p := newTestPool(t, testConfig())
	agg := NewAggregate()

	var done atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassRequest,
			Run:   func(context.Context) { done.Add(1) },
		}))
	}
	waitFor(t, 2*time.Second, func() bool { return done.Load() == 8 }, "tasks done")
	p.forceFlush()

	p.flushInto(agg)
	s := agg.Snapshot()
	assert.Equal(t, uint64(8), s.TasksProcessed)
	assert.Equal(t, uint64(5), s.ThreadsCreated)

	// A second flush with no new work adds nothing
	p.flushInto(agg)
	s = agg.Snapshot()
	assert.Equal(t, uint64(8), s.TasksProcessed)
	assert.Equal(t, uint64(5), s.ThreadsCreated)
}

func TestPoolTaskPanicAbsorbed(t *testing.T) {
	p := newTestPool(t, testConfig())

	var after atomic.Bool
	require.NoError(t, p.Submit(Task{
		Class: ClassRequest,
		Run:   func(context.Context) { panic("bad task") },
	}))
	require.NoError(t, p.Submit(Task{
		Class: ClassRequest,
		Run:   func(context.Context) { after.Store(true) },
	}))

	waitFor(t, 2*time.Second, func() bool { return after.Load() },
		"worker survives a panicking task")
	assert.Equal(t, 5, p.WorkerCount())
}

func TestPoolConfigUpdateRecomputesCapacity(t *testing.T) {
	p := newTestPool(t, testConfig())

	cfg := p.Config()
	cfg.QueueLimit = 2
	p.setConfig(cfg)

	assert.Equal(t, 10, p.Stats().QueueCapacity)
}

func TestPoolStopRejectsSubmissions(t *testing.T) {
	cfg := testConfig()
	p := newPool(context.Background(), 0, cfg, testLogger(), func(int) error { return nil })
	p.stop()

	err := p.Submit(nopTask(ClassRequest))
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolClassLimitReserve(t *testing.T) {
	cfg := testConfig()
	cfg.ReserveThreads = 4
	p := newTestPool(t, cfg)
	waitFor(t, time.Second, func() bool { return p.IdleCount() == 5 }, "warmed")

	// All 5 idle: above the reserve, every class is claimable
	assert.Equal(t, Class(NumClasses-1), p.classLimit())

	// Occupy workers until only the reserve is idle; low classes are
	// held back while the vital ones stay claimable
	block := make(chan struct{})
	defer close(block)
	var started sync.WaitGroup
	started.Add(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(Task{
			Class: ClassBackend,
			Run: func(ctx context.Context) {
				started.Done()
				<-block
			},
		}))
	}
	started.Wait()

	waitFor(t, time.Second, func() bool { return p.IdleCount() == 1 }, "one idle left")
	assert.Equal(t, ClassBackend, p.classLimit(),
		"with idle capacity at the reserve floor only vital work is claimable")
}
