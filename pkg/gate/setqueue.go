package gate

import (
	"context"
	"sync"
)

// SetQueue is a bounded in-memory queue of unique items. Two semaphores
// compose its limits: capacity bounds how many items may sit enqueued but
// unprocessed (adders beyond that block, which is the backpressure), and
// concurrency bounds how many items execute at once. A single drain loop runs
// at a time, guarded by a re-entrancy flag.
//
// Items are an unordered set: adding an item already present is a no-op and
// consumes no capacity.
//
// Executions run under the queue's own lifecycle, not the adder's context:
// an adder canceling its request must not take down items other callers
// enqueued. The context passed to Add only bounds the wait for capacity.
type SetQueue[T comparable] struct {
	capacity    *Semaphore
	concurrency *Semaphore
	exec        func(context.Context, T)

	lifecycle context.Context
	stop      context.CancelFunc

	mu       sync.Mutex
	set      map[T]struct{}
	draining bool
}

// NewSetQueue creates a queue with the given capacity and concurrency bounds.
// exec runs for each item; its completion frees both an execution slot and a
// capacity slot.
func NewSetQueue[T comparable](capacity, concurrency int, exec func(context.Context, T)) *SetQueue[T] {
	lifecycle, stop := context.WithCancel(context.Background())
	return &SetQueue[T]{
		capacity:    NewSemaphore(capacity),
		concurrency: NewSemaphore(concurrency),
		exec:        exec,
		lifecycle:   lifecycle,
		stop:        stop,
		set:         make(map[T]struct{}),
	}
}

// Add enqueues item, blocking while the queue is at capacity. Duplicate items
// return immediately. ctx bounds only the wait for a capacity slot.
func (q *SetQueue[T]) Add(ctx context.Context, item T) error {
	q.mu.Lock()
	if _, ok := q.set[item]; ok {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	if err := q.capacity.Acquire(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	if _, ok := q.set[item]; ok {
		// Raced with another adder for the same item.
		q.mu.Unlock()
		q.capacity.Release()
		return nil
	}
	q.set[item] = struct{}{}
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return nil
}

// Size returns the number of enqueued-but-unlaunched items.
func (q *SetQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.set)
}

// Close cancels the queue's lifecycle: running executions see a canceled
// context and no further items launch.
func (q *SetQueue[T]) Close() {
	q.stop()
}

// drain pulls items and launches executions without awaiting them inline.
func (q *SetQueue[T]) drain() {
	for {
		q.mu.Lock()
		var item T
		found := false
		for it := range q.set {
			item = it
			found = true
			break
		}
		if !found {
			q.draining = false
			q.mu.Unlock()
			return
		}
		delete(q.set, item)
		q.mu.Unlock()

		if err := q.concurrency.Acquire(q.lifecycle); err != nil {
			// Queue closed while waiting for an execution slot. Put the
			// item back rather than dropping it; it keeps its capacity
			// slot along with everything else still in the set.
			q.mu.Lock()
			q.set[item] = struct{}{}
			q.draining = false
			q.mu.Unlock()
			return
		}

		go func(it T) {
			defer q.capacity.Release()
			defer q.concurrency.Release()
			q.exec(q.lifecycle, it)
		}(item)
	}
}
