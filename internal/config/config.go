/*
Package config provides the scheduler parameter set: loading from the
environment, validation, and runtime updates with cross-linked clamping of
the thread count bounds.

Usage:

	params, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Environment Variables:

	POOLD_THREAD_POOLS               Number of worker pools
	POOLD_THREAD_POOL_MIN            Minimum workers per pool
	POOLD_THREAD_POOL_MAX            Maximum workers per pool
	POOLD_THREAD_POOL_RESERVE        Workers reserved for vital tasks (0 = auto)
	POOLD_THREAD_POOL_TIMEOUT        Worker idle threshold
	POOLD_THREAD_POOL_WATCHDOG       Stuck-queue watchdog threshold
	POOLD_THREAD_POOL_DESTROY_DELAY  Wait between worker destructions
	POOLD_THREAD_POOL_ADD_DELAY      Wait after creating a worker
	POOLD_THREAD_POOL_FAIL_DELAY     Wait after a failed worker creation
	POOLD_THREAD_STATS_RATE          Tasks handled before a forced stats flush
	POOLD_THREAD_QUEUE_LIMIT         Queued tasks permitted per worker
	POOLD_THREAD_POOL_STACK          Accounted worker stack size in bytes
	POOLD_DROP_POOLS                 Permit live pool removal (debug)
	POOLD_METRICS_ADDR               Prometheus listen address
	POOLD_VERBOSE                    Verbosity level (number of 'v's)
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Params holds the validated numeric parameter set handed to the scheduler.
// A Params value is immutable once handed out; runtime changes go through
// Apply, which returns a new value.
type Params struct {
	// Pools is the number of worker pools. May only grow at runtime,
	// unless DropPools is set.
	Pools int

	// MinThreads is the minimum number of workers in each pool
	MinThreads int

	// MaxThreads is the maximum number of workers in each pool
	MaxThreads int

	// ReserveThreads is the number of workers reserved for vital tasks
	// in each pool. 0 means auto-tune to 5% of MinThreads.
	ReserveThreads int

	// IdleTimeout is how long a worker above MinThreads may stay idle
	// before it is destroyed
	IdleTimeout time.Duration

	// WatchdogTimeout is how long a non-empty queue may go without a
	// drain before the process is considered wedged
	WatchdogTimeout time.Duration

	// DestroyDelay is the minimum wait between successive worker
	// destructions in one pool
	DestroyDelay time.Duration

	// AddDelay is the minimum wait after a successful worker creation
	// before the next one in the same pool
	AddDelay time.Duration

	// FailDelay is the minimum wait after a failed worker creation
	// before another attempt in the same pool
	FailDelay time.Duration

	// StatsRate is the maximum number of tasks a worker handles before
	// it is forced to flush its accumulated stats (0 = flush every task)
	StatsRate int

	// QueueLimit is the permitted queue length per worker; above
	// QueueLimit × current workers, submissions are dropped
	QueueLimit int

	// StackSize is the accounted per-worker stack size in bytes.
	// Delayed effect: applies to newly created workers only.
	StackSize int

	// DropPools permits live pool removal (experimental debug flag)
	DropPools bool

	// MetricsAddr is the Prometheus listen address (empty disables it)
	MetricsAddr string

	// StatsFile is the path for periodic stats snapshots (empty disables it)
	StatsFile string

	// Verbose sets the logging verbosity level
	Verbose int
}

// Update describes a runtime parameter change. Nil fields are left
// untouched. An Update is applied as a single transaction: the thread
// count bounds are re-clamped together so they never cross.
type Update struct {
	Pools           *int
	MinThreads      *int
	MaxThreads      *int
	ReserveThreads  *int
	IdleTimeout     *time.Duration
	WatchdogTimeout *time.Duration
	DestroyDelay    *time.Duration
	AddDelay        *time.Duration
	FailDelay       *time.Duration
	StatsRate       *int
	QueueLimit      *int
	StackSize       *int
}

// Default returns the parameter set with all defaults applied.
func Default() Params {
	return Params{
		Pools:           DefaultPools,
		MinThreads:      DefaultMinThreads,
		MaxThreads:      DefaultMaxThreads,
		ReserveThreads:  0,
		IdleTimeout:     DefaultIdleTimeout,
		WatchdogTimeout: DefaultWatchdogTimeout,
		DestroyDelay:    DefaultDestroyDelay,
		AddDelay:        DefaultAddDelay,
		FailDelay:       DefaultFailDelay,
		StatsRate:       DefaultStatsRate,
		QueueLimit:      DefaultQueueLimit,
		StackSize:       DefaultStackSize,
	}
}

// Load reads the parameter set from environment variables and validates it.
func Load() (Params, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("thread_pools", DefaultPools)
	v.SetDefault("thread_pool_min", DefaultMinThreads)
	v.SetDefault("thread_pool_max", DefaultMaxThreads)
	v.SetDefault("thread_pool_reserve", 0)
	v.SetDefault("thread_pool_timeout", DefaultIdleTimeout)
	v.SetDefault("thread_pool_watchdog", DefaultWatchdogTimeout)
	v.SetDefault("thread_pool_destroy_delay", DefaultDestroyDelay)
	v.SetDefault("thread_pool_add_delay", DefaultAddDelay)
	v.SetDefault("thread_pool_fail_delay", DefaultFailDelay)
	v.SetDefault("thread_stats_rate", DefaultStatsRate)
	v.SetDefault("thread_queue_limit", DefaultQueueLimit)
	v.SetDefault("thread_pool_stack", DefaultStackSize)
	v.SetDefault("drop_pools", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("stats_file", "")
	v.SetDefault("verbose", 0)

	// Configure environment variables
	v.SetEnvPrefix("POOLD")
	v.AutomaticEnv()

	// Map environment variables to config fields
	v.BindEnv("thread_pools")
	v.BindEnv("thread_pool_min")
	v.BindEnv("thread_pool_max")
	v.BindEnv("thread_pool_reserve")
	v.BindEnv("thread_pool_timeout")
	v.BindEnv("thread_pool_watchdog")
	v.BindEnv("thread_pool_destroy_delay")
	v.BindEnv("thread_pool_add_delay")
	v.BindEnv("thread_pool_fail_delay")
	v.BindEnv("thread_stats_rate")
	v.BindEnv("thread_queue_limit")
	v.BindEnv("thread_pool_stack")
	v.BindEnv("drop_pools")
	v.BindEnv("metrics_addr")
	v.BindEnv("stats_file")
	v.BindEnv("verbose")

	// Process verbosity level from string of 'v's
	if verboseStr := v.GetString("verbose"); verboseStr != "" {
		v.Set("verbose", strings.Count(verboseStr, "v"))
	}

	p := Params{
		Pools:           v.GetInt("thread_pools"),
		MinThreads:      v.GetInt("thread_pool_min"),
		MaxThreads:      v.GetInt("thread_pool_max"),
		ReserveThreads:  v.GetInt("thread_pool_reserve"),
		IdleTimeout:     v.GetDuration("thread_pool_timeout"),
		WatchdogTimeout: v.GetDuration("thread_pool_watchdog"),
		DestroyDelay:    v.GetDuration("thread_pool_destroy_delay"),
		AddDelay:        v.GetDuration("thread_pool_add_delay"),
		FailDelay:       v.GetDuration("thread_pool_fail_delay"),
		StatsRate:       v.GetInt("thread_stats_rate"),
		QueueLimit:      v.GetInt("thread_queue_limit"),
		StackSize:       v.GetInt("thread_pool_stack"),
		DropPools:       v.GetBool("drop_pools"),
		MetricsAddr:     v.GetString("metrics_addr"),
		StatsFile:       v.GetString("stats_file"),
		Verbose:         v.GetInt("verbose"),
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}

	return p, nil
}

// Apply returns a new parameter set with the update applied as a single
// transaction. The min/max thread bounds are cross-clamped: raising the
// minimum above the current maximum raises the maximum to match, and
// lowering the maximum below the current minimum lowers the minimum to
// match. Setting both in one update to crossing values is an error.
func (p Params) Apply(u Update) (Params, error) {
	n := p

	if u.Pools != nil {
		if *u.Pools < n.Pools && !n.DropPools {
			return Params{}, fmt.Errorf(
				"thread_pools can only grow at runtime (have %d, want %d); removal requires a restart or the drop_pools debug flag",
				n.Pools, *u.Pools)
		}
		n.Pools = *u.Pools
	}

	switch {
	case u.MinThreads != nil && u.MaxThreads != nil:
		if *u.MinThreads > *u.MaxThreads {
			return Params{}, fmt.Errorf(
				"thread_pool_min (%d) must not exceed thread_pool_max (%d)",
				*u.MinThreads, *u.MaxThreads)
		}
		n.MinThreads = *u.MinThreads
		n.MaxThreads = *u.MaxThreads

	case u.MinThreads != nil:
		n.MinThreads = *u.MinThreads
		// Raising the minimum raises the maximum's floor
		if n.MaxThreads < n.MinThreads {
			n.MaxThreads = n.MinThreads
		}

	case u.MaxThreads != nil:
		n.MaxThreads = *u.MaxThreads
		// Lowering the maximum lowers the minimum's ceiling
		if n.MinThreads > n.MaxThreads {
			n.MinThreads = n.MaxThreads
		}
	}

	if u.ReserveThreads != nil {
		n.ReserveThreads = *u.ReserveThreads
	}
	// An explicit reserve is clamped to at most 95% of the (possibly new)
	// minimum rather than rejected, matching the linked parameter bounds.
	if n.ReserveThreads > n.MinThreads*95/100 {
		n.ReserveThreads = n.MinThreads * 95 / 100
	}

	if u.IdleTimeout != nil {
		n.IdleTimeout = *u.IdleTimeout
	}
	if u.WatchdogTimeout != nil {
		n.WatchdogTimeout = *u.WatchdogTimeout
	}
	if u.DestroyDelay != nil {
		n.DestroyDelay = *u.DestroyDelay
	}
	if u.AddDelay != nil {
		n.AddDelay = *u.AddDelay
	}
	if u.FailDelay != nil {
		n.FailDelay = *u.FailDelay
	}
	if u.StatsRate != nil {
		n.StatsRate = *u.StatsRate
	}
	if u.QueueLimit != nil {
		n.QueueLimit = *u.QueueLimit
	}
	if u.StackSize != nil {
		n.StackSize = *u.StackSize
	}

	if err := n.Validate(); err != nil {
		return Params{}, err
	}

	return n, nil
}

// EffectiveReserve returns the reserve thread count actually used by the
// scheduler: 0 auto-tunes to 5% of MinThreads, explicit values are clamped
// to [1, 95% of MinThreads], and the result is never below the number of
// internal priority classes.
func (p Params) EffectiveReserve() int {
	r := p.ReserveThreads
	if r == 0 {
		r = p.MinThreads * 5 / 100
	}
	if ceil := p.MinThreads * 95 / 100; r > ceil {
		r = ceil
	}
	if r < PriorityClasses {
		r = PriorityClasses
	}
	return r
}

// Validate checks if the parameter set is valid. The numeric fields must
// together keep reserve < min <= max.
func (p Params) Validate() error {
	if p.Pools < MinPools {
		return fmt.Errorf("thread_pools must be at least %d", MinPools)
	}

	// The technical minimum is one above the priority class count, so the
	// reserve floor can never consume an entire pool.
	if p.MinThreads <= PriorityClasses {
		return fmt.Errorf(
			"thread_pool_min must be above %d (the number of priority classes)",
			PriorityClasses)
	}
	if p.MaxThreads < p.MinThreads {
		return fmt.Errorf(
			"thread_pool_max (%d) must not be below thread_pool_min (%d)",
			p.MaxThreads, p.MinThreads)
	}
	if p.ReserveThreads < 0 {
		return fmt.Errorf("thread_pool_reserve must be non-negative")
	}
	if p.ReserveThreads > p.MinThreads*95/100 {
		return fmt.Errorf(
			"thread_pool_reserve (%d) must not exceed 95%% of thread_pool_min (%d)",
			p.ReserveThreads, p.MinThreads*95/100)
	}
	if r := p.EffectiveReserve(); r >= p.MinThreads {
		return fmt.Errorf(
			"effective thread_pool_reserve (%d) must stay below thread_pool_min (%d)",
			r, p.MinThreads)
	}

	if p.IdleTimeout < MinIdleTimeout {
		return fmt.Errorf("thread_pool_timeout must be at least %s", MinIdleTimeout)
	}
	if p.WatchdogTimeout < MinWatchdogTimeout {
		return fmt.Errorf("thread_pool_watchdog must be at least %s", MinWatchdogTimeout)
	}
	if p.DestroyDelay < MinDestroyDelay {
		return fmt.Errorf("thread_pool_destroy_delay must be at least %s", MinDestroyDelay)
	}
	if p.AddDelay < 0 {
		return fmt.Errorf("thread_pool_add_delay must be non-negative")
	}
	if p.FailDelay < MinFailDelay {
		return fmt.Errorf("thread_pool_fail_delay must be at least %s", MinFailDelay)
	}
	if p.StatsRate < 0 {
		return fmt.Errorf("thread_stats_rate must be non-negative")
	}
	if p.QueueLimit < 0 {
		return fmt.Errorf("thread_queue_limit must be non-negative")
	}
	if p.StackSize < MinStackSize {
		return fmt.Errorf("thread_pool_stack must be at least %d bytes", MinStackSize)
	}

	return nil
}

// String returns a string representation of the parameter set.
func (p Params) String() string {
	return fmt.Sprintf(
		"Params{Pools: %d, MinThreads: %d, MaxThreads: %d, Reserve: %d (effective %d), "+
			"IdleTimeout: %s, Watchdog: %s, DestroyDelay: %s, AddDelay: %s, FailDelay: %s, "+
			"StatsRate: %d, QueueLimit: %d, StackSize: %d}",
		p.Pools, p.MinThreads, p.MaxThreads, p.ReserveThreads, p.EffectiveReserve(),
		p.IdleTimeout, p.WatchdogTimeout, p.DestroyDelay, p.AddDelay, p.FailDelay,
		p.StatsRate, p.QueueLimit, p.StackSize,
	)
}
