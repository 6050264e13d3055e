package pool

import "errors"

var (
	// ErrQueueFull is returned by Submit when the task queue is at
	// capacity. The task is dropped, not retried; retry is the
	// submitter's responsibility.
	ErrQueueFull = errors.New("task queue full")

	// ErrPoolStopped is returned by Submit after the pool has shut down
	ErrPoolStopped = errors.New("pool stopped")

	// ErrNilTask is returned by Submit for a task without a Run function
	ErrNilTask = errors.New("nil task")

	// ErrInvalidClass is returned by Submit for an out-of-range priority class
	ErrInvalidClass = errors.New("invalid priority class")

	// ErrDropDisabled is returned when live pool removal is requested
	// without the drop_pools debug flag
	ErrDropDisabled = errors.New("live pool removal requires the drop_pools debug flag")

	// ErrNoSuchPool is returned for an out-of-range pool index
	ErrNoSuchPool = errors.New("no such pool")

	// errDrainTimeout signals a worker that no task arrived within its
	// idle window
	errDrainTimeout = errors.New("drain timed out")

	// errQueueClosed signals workers that the pool is shutting down
	errQueueClosed = errors.New("queue closed")
)
