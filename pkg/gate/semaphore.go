package gate

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore with FIFO waiter ordering. Release hands
// the permit directly to the oldest waiter, so no waiter can be starved and
// a single Release wakes exactly one caller.
type Semaphore struct {
	mu      sync.Mutex
	permits int
	waiters []chan struct{}
}

// NewSemaphore creates a semaphore with n permits. n must be >= 1.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{permits: n}
}

// Acquire consumes a permit, blocking in FIFO order until one is available or
// ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.permits > 0 {
		s.permits--
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// Permit was handed over concurrently with cancellation; give it back.
		select {
		case <-ready:
			s.Release()
		default:
		}
		return ctx.Err()
	}
}

// TryAcquire consumes a permit without blocking. Returns false if none remain.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits > 0 {
		s.permits--
		return true
	}
	return false
}

// Release returns a permit, waking the oldest waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		ready := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(ready)
		return
	}
	s.permits++
	s.mu.Unlock()
}

// Execute acquires a permit, runs fn, and releases the permit whether or not
// fn returns an error.
func (s *Semaphore) Execute(ctx context.Context, fn func() error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn()
}

// Mutex is a semaphore with exactly one permit.
type Mutex struct {
	s *Semaphore
}

// NewMutex creates a mutex.
func NewMutex() *Mutex { return &Mutex{s: NewSemaphore(1)} }

// Acquire takes the mutex, blocking until it is free or ctx is done.
func (m *Mutex) Acquire(ctx context.Context) error { return m.s.Acquire(ctx) }

// Release frees the mutex.
func (m *Mutex) Release() { m.s.Release() }

// Execute runs fn while holding the mutex.
func (m *Mutex) Execute(ctx context.Context, fn func() error) error {
	return m.s.Execute(ctx, fn)
}
