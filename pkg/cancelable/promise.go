package cancelable

// Promise is a handle on an async operation tied to a cancel Token.
type Promise[T any] struct {
	token *Token
	done  chan struct{}

	result T
	err    error
}

// New launches fn on a new goroutine and returns a handle exposing the
// eventual result plus cancellation. fn observes cancellation through the
// token it receives.
func New[T any](fn func(token *Token) (T, error)) *Promise[T] {
	return WithToken(NewToken(), fn)
}

// WithToken is New with a caller-provided token, letting a parent register
// the operation via Token.With before it starts.
func WithToken[T any](token *Token, fn func(token *Token) (T, error)) *Promise[T] {
	p := &Promise[T]{token: token, done: make(chan struct{})}
	finished := token.track()
	go func() {
		defer close(p.done)
		defer finished()
		p.result, p.err = fn(token)
	}()
	return p
}

// Token returns the promise's cancel token.
func (p *Promise[T]) Token() *Token { return p.token }

// Wait blocks until the operation finishes and returns its result.
func (p *Promise[T]) Wait() (T, error) {
	<-p.done
	return p.result, p.err
}

// Cancel signals the token. With waitExecution it blocks until the operation
// and all deferred cleanups have finished.
func (p *Promise[T]) Cancel(waitExecution bool) error {
	return p.token.Cancel(waitExecution)
}
