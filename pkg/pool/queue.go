package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// wakeBuffer bounds the number of pending wake signals. Signals beyond the
// buffer are dropped; workers that finish a task re-check the queue before
// waiting again, so a dropped signal never strands a queued task.
const wakeBuffer = 1024

// taskQueue is the per-pool bounded multi-class queue. Each priority class
// is a FIFO ring; drains always prefer the lowest class index with work.
// Capacity is QueueLimit per live worker and is recomputed as the worker
// count changes.
type taskQueue struct {
	mu       sync.Mutex
	classes  [NumClasses]*queue.Queue
	length   int
	capacity int
	closed   bool

	// wake carries one signal per accepted submission so that at most
	// one idle worker wakes per task
	wake chan struct{}

	// lastDrain is the watchdog's liveness signal, unix nanoseconds
	lastDrain atomic.Int64
}

func newTaskQueue(capacity int) *taskQueue {
	q := &taskQueue{
		capacity: capacity,
		wake:     make(chan struct{}, wakeBuffer),
	}
	for i := range q.classes {
		q.classes[i] = queue.New()
	}
	q.lastDrain.Store(time.Now().UnixNano())
	return q
}

// submit enqueues the task in its priority class, or fails with
// ErrQueueFull at capacity. Never blocks the submitter.
func (q *taskQueue) submit(t Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrPoolStopped
	}
	if q.length >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.classes[t.Class].Add(t)
	q.length++

	// Wake at most one idle worker. Sent under the lock so a concurrent
	// close cannot slip between the closed check and the send.
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

// tryPop removes and returns the head of the highest-priority non-empty
// class at or above limit. The queue lock serializes concurrent drains,
// so no task is ever returned twice.
func (q *taskQueue) tryPop(limit Class) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == 0 {
		return Task{}, false
	}
	for i := 0; i <= int(limit); i++ {
		if q.classes[i].Length() > 0 {
			t := q.classes[i].Remove().(Task)
			q.length--
			q.lastDrain.Store(time.Now().UnixNano())
			return t, true
		}
	}
	return Task{}, false
}

// drain blocks until a task of a permitted class is available, the
// timeout expires, the stop channel fires, or the queue closes. The limit
// callback is re-evaluated on every attempt: idle headroom changes as
// other workers come and go, which moves the reserve boundary. Every
// successful drain refreshes the liveness timestamp.
func (q *taskQueue) drain(timeout time.Duration, stop <-chan struct{}, limit func() Class) (Task, error) {
	if t, ok := q.tryPop(limit()); ok {
		return t, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.wake:
			if t, ok := q.tryPop(limit()); ok {
				return t, nil
			}
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return Task{}, errQueueClosed
			}
		case <-timer.C:
			return Task{}, errDrainTimeout
		case <-stop:
			return Task{}, errQueueClosed
		}
	}
}

// nudge posts one wake signal if work is still queued. Workers call it on
// going idle: a task held back by the reserve boundary becomes claimable
// as idle headroom grows, and the waiter must be told.
func (q *taskQueue) nudge() {
	q.mu.Lock()
	if !q.closed && q.length > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
}

// close wakes all waiting workers so they observe shutdown.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.wake)
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// setCapacity adjusts the queue bound; tasks already queued above a
// shrunken bound stay queued.
func (q *taskQueue) setCapacity(capacity int) {
	q.mu.Lock()
	q.capacity = capacity
	q.mu.Unlock()
}

func (q *taskQueue) lastDrainTime() time.Time {
	return time.Unix(0, q.lastDrain.Load())
}
