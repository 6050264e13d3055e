package pool

import (
	"context"
	"time"
)

// Class is a fixed internal task priority category. Lower values are more
// urgent: tasks that other tasks depend on must run first, or the whole
// engine can wedge on its own dependencies.
type Class int

const (
	// ClassBackend is dependent backend work (highest priority)
	ClassBackend Class = iota

	// ClassRush is rush service of backed-up dependent work
	ClassRush

	// ClassRequest is ordinary client request processing
	ClassRequest

	// ClassStream is streaming delivery work
	ClassStream

	// ClassAccept is new-connection acceptance (lowest priority)
	ClassAccept

	// NumClasses is the number of priority classes
	NumClasses int = iota
)

// String returns the class name for logs and metrics labels.
func (c Class) String() string {
	switch c {
	case ClassBackend:
		return "backend"
	case ClassRush:
		return "rush"
	case ClassRequest:
		return "request"
	case ClassStream:
		return "stream"
	case ClassAccept:
		return "accept"
	default:
		return "unknown"
	}
}

// Task is an opaque unit of work tagged with a priority class. The
// submitter owns it until it is accepted into a queue; a worker then
// claims it exclusively.
type Task struct {
	// Class is the priority class the task is queued under
	Class Class

	// Run performs the actual work. It receives a context that is
	// cancelled when the pool shuts down.
	Run func(ctx context.Context)
}

// Config is the per-pool numeric configuration snapshot. Pools read an
// immutable snapshot; runtime changes swap in a new one.
type Config struct {
	// MinThreads is the minimum number of workers kept alive
	MinThreads int

	// MaxThreads is the hard ceiling on workers
	MaxThreads int

	// ReserveThreads is the worker count held back for high-priority
	// classes; the minter treats the pool as under pressure while the
	// idle count is at or below it
	ReserveThreads int

	// IdleTimeout is how long a worker above MinThreads may idle
	// before it retires
	IdleTimeout time.Duration

	// WatchdogTimeout is the stuck-queue threshold
	WatchdogTimeout time.Duration

	// DestroyDelay is the minimum wait between worker destructions
	DestroyDelay time.Duration

	// AddDelay is the minimum wait between worker creations
	AddDelay time.Duration

	// FailDelay is the minimum wait after a failed creation before the
	// next attempt
	FailDelay time.Duration

	// StatsRate is the max tasks a worker handles before a forced
	// stats flush (0 = flush after every task)
	StatsRate int

	// QueueLimit is the permitted queue length per live worker
	QueueLimit int

	// StackSize is the accounted stack reservation per worker in bytes.
	// Applies to newly created workers only.
	StackSize int
}

// workerState tracks a worker through its lifecycle:
// starting -> idle <-> busy -> retiring -> gone.
type workerState int32

const (
	workerStarting workerState = iota
	workerIdle
	workerBusy
	workerRetiring
	workerGone
)

// SpawnFunc reserves the execution resources for one new worker (stack
// accounting, scheduling slots). It is called before the worker goroutine
// starts; returning an error counts as a creation failure. The default
// spawner never fails; tests inject failing ones.
type SpawnFunc func(stackSize int) error
