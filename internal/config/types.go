package config

import "time"

// Constants for configuration limits and defaults. Bounds follow the
// parameter table of the serving engine this scheduler was built for.
const (
	// PriorityClasses is the number of internal task priority classes.
	// The effective thread reserve is never below this value, and
	// thread_pool_min may never be set below it.
	PriorityClasses = 5

	// DefaultPools is the default number of worker pools
	DefaultPools = 2

	// MinPools is the minimum number of worker pools
	MinPools = 1

	// DefaultMinThreads is the default minimum worker count per pool
	DefaultMinThreads = 100

	// DefaultMaxThreads is the default maximum worker count per pool
	DefaultMaxThreads = 5000

	// DefaultIdleTimeout is the idle threshold above which excess workers
	// are destroyed
	DefaultIdleTimeout = 300 * time.Second

	// MinIdleTimeout is the lowest permitted idle threshold
	MinIdleTimeout = 10 * time.Second

	// DefaultWatchdogTimeout is the stuck-queue threshold
	DefaultWatchdogTimeout = 60 * time.Second

	// MinWatchdogTimeout is the lowest permitted stuck-queue threshold
	MinWatchdogTimeout = 100 * time.Millisecond

	// DefaultDestroyDelay is the wait between successive worker destructions
	DefaultDestroyDelay = time.Second

	// MinDestroyDelay is the lowest permitted destroy delay
	MinDestroyDelay = 10 * time.Millisecond

	// DefaultAddDelay is the wait after creating a worker (0 = none)
	DefaultAddDelay = 0 * time.Second

	// DefaultFailDelay is the wait after a failed worker creation
	DefaultFailDelay = 200 * time.Millisecond

	// MinFailDelay is the lowest permitted fail delay
	MinFailDelay = 10 * time.Millisecond

	// DefaultStatsRate is the max tasks a worker handles before it is
	// forced to flush its accumulated stats into the pool counters
	DefaultStatsRate = 10

	// DefaultQueueLimit is the permitted queue length per worker
	DefaultQueueLimit = 20

	// DefaultStackSize is the accounted stack size per worker in bytes
	DefaultStackSize = 80 * 1024

	// MinStackSize is the lowest permitted accounted stack size
	MinStackSize = 16 * 1024
)
