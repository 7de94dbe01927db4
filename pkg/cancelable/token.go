package cancelable

import (
	"errors"
	"sync"
)

// ErrAlreadyCanceled is returned by Cancel when the token was canceled
// before. Canceling twice is a caller bug (double teardown), not a benign
// no-op.
var ErrAlreadyCanceled = errors.New("cancelable: already canceled")

// ErrCanceled is returned by operations that observed cancellation and
// stopped before producing a result.
var ErrCanceled = errors.New("cancelable: canceled")

// Token tracks cancellation state for one operation: a latch, a list of
// deferred cleanup callbacks, and child operations registered via With.
type Token struct {
	mu       sync.Mutex
	canceled bool
	done     chan struct{}
	deferred []func()
	children []*Token

	// exec tracks the wrapped operation plus cleanup callbacks for
	// Cancel(waitExecution=true).
	exec sync.WaitGroup
}

// NewToken creates an active (not canceled) token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Defer registers a cleanup callback to run on cancel. Callbacks launch in
// registration order and run concurrently.
func (t *Token) Defer(fn func()) {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		// Late registration on a canceled token runs immediately.
		fn()
		return
	}
	t.deferred = append(t.deferred, fn)
	t.mu.Unlock()
}

// With registers a child token that is canceled together with this one.
// Returns the child for chaining.
func (t *Token) With(child *Token) *Token {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		_ = child.Cancel(false)
		return child
	}
	t.children = append(t.children, child)
	t.mu.Unlock()
	return child
}

// IsCanceled reports whether Cancel has been called.
func (t *Token) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Done returns a channel closed on cancel, for select-based waits.
func (t *Token) Done() <-chan struct{} { return t.done }

// Cancel flips the latch, runs all deferred cleanups, and cancels children.
// With waitExecution it blocks until the wrapped operation and every cleanup
// finished; otherwise it returns once the signal is dispatched. A second
// Cancel returns ErrAlreadyCanceled.
func (t *Token) Cancel(waitExecution bool) error {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return ErrAlreadyCanceled
	}
	t.canceled = true
	close(t.done)
	deferred := t.deferred
	children := t.children
	t.deferred = nil
	t.children = nil
	t.mu.Unlock()

	for _, fn := range deferred {
		t.exec.Add(1)
		go func(fn func()) {
			defer t.exec.Done()
			fn()
		}(fn)
	}
	for _, child := range children {
		t.exec.Add(1)
		go func(child *Token) {
			defer t.exec.Done()
			if err := child.Cancel(waitExecution); err != nil && !errors.Is(err, ErrAlreadyCanceled) {
				// Children report only double-cancel, which is fine here.
				_ = err
			}
		}(child)
	}

	if waitExecution {
		t.exec.Wait()
	}
	return nil
}

// track registers the wrapped operation with the token so that
// Cancel(waitExecution=true) can wait for it.
func (t *Token) track() func() {
	t.exec.Add(1)
	return t.exec.Done
}
