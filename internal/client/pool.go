package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimeoutError reports that a pool checkout waited too long for a free
// resource.
type TimeoutError struct {
	Pool string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("client: pool %q acquire timed out after %s", e.Pool, e.Wait)
}

var ErrPoolClosed = errors.New("client: pool closed")

// PoolOptions configures a Pool.
type PoolOptions[T any] struct {
	// Name identifies the pool in timeout errors.
	Name string
	// New creates a resource.
	New func(ctx context.Context) (T, error)
	// Close releases a resource.
	Close func(T)
	// Max is the total number of live resources. Default 8.
	Max int
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	// Default 10s.
	AcquireTimeout time.Duration
}

// Pool hands out exclusively-owned resources. A borrowed resource is
// touched by exactly one goroutine until it is returned.
type Pool[T any] struct {
	opts PoolOptions[T]

	mu     sync.Mutex
	idle   []T
	live   int
	closed bool

	slots chan struct{}
}

func NewPool[T any](opts PoolOptions[T]) *Pool[T] {
	if opts.Max <= 0 {
		opts.Max = 8
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	return &Pool[T]{
		opts:  opts,
		slots: make(chan struct{}, opts.Max),
	}
}

// Acquire checks out a resource, creating one when below the limit.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return zero, &TimeoutError{Pool: p.opts.Name, Wait: p.opts.AcquireTimeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return zero, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		res := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return res, nil
	}
	p.live++
	p.mu.Unlock()

	res, err := p.opts.New(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		<-p.slots
		return zero, err
	}
	return res, nil
}

// Release returns a healthy resource to the pool.
func (p *Pool[T]) Release(res T) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.opts.Close != nil {
			p.opts.Close(res)
		}
		return
	}
	p.idle = append(p.idle, res)
	p.mu.Unlock()
	<-p.slots
}

// Discard drops a broken resource instead of returning it, freeing its
// slot for a replacement.
func (p *Pool[T]) Discard(res T) {
	if p.opts.Close != nil {
		p.opts.Close(res)
	}
	p.mu.Lock()
	p.live--
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		<-p.slots
	}
}

// WithConn checks a resource out, runs fn, and returns it. Command-level
// errors do not poison the resource; only a closed connection gets
// discarded.
func (p *Pool[T]) WithConn(ctx context.Context, fn func(T) error) error {
	res, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := fn(res); errors.Is(err, ErrConnClosed) {
		p.Discard(res)
		return err
	} else if err != nil {
		p.Release(res)
		return err
	}
	p.Release(res)
	return nil
}

// Close shuts the pool and every idle resource. Borrowed resources are
// closed as they come back.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	if p.opts.Close != nil {
		for _, res := range idle {
			p.opts.Close(res)
		}
	}
}
