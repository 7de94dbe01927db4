package cancelable

import (
	"fmt"
	"time"
)

// TimeoutError reports that a retry loop exhausted its overall deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cancelable: operation timed out after %s", e.Timeout)
}

// RetryOptions configures RetryWithTimeout.
type RetryOptions struct {
	// Timeout bounds the whole loop. On expiry the token is canceled without
	// waiting for the in-flight attempt.
	Timeout time.Duration
	// Pause returns the wait before the next attempt, indexed by the number
	// of attempts made so far. Nil means no pause.
	Pause func(attempt int) time.Duration
}

// RetryWithTimeout invokes fn until it returns a non-nil result or an error,
// pausing Pause(attempt) between attempts. The loop checks the token between
// attempts and exits promptly once canceled. If Timeout expires first, the
// token is canceled (not waiting for execution) and a *TimeoutError is
// returned; if fn finishes first the timer is stopped, so neither path leaks
// a timer.
func RetryWithTimeout[T any](token *Token, fn func(token *Token) (*T, error), opts RetryOptions) (*T, error) {
	type outcome struct {
		result *T
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		for attempt := 0; ; attempt++ {
			if token.IsCanceled() {
				resultCh <- outcome{nil, nil}
				return
			}
			res, err := fn(token)
			if err != nil {
				resultCh <- outcome{nil, err}
				return
			}
			if res != nil {
				resultCh <- outcome{res, nil}
				return
			}
			var pause time.Duration
			if opts.Pause != nil {
				pause = opts.Pause(attempt)
			}
			if pause > 0 {
				pauseTimer := time.NewTimer(pause)
				select {
				case <-pauseTimer.C:
				case <-token.Done():
					pauseTimer.Stop()
					resultCh <- outcome{nil, nil}
					return
				}
			}
		}
	}()

	timer := time.NewTimer(opts.Timeout)
	select {
	case out := <-resultCh:
		timer.Stop()
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil && token.IsCanceled() {
			return nil, ErrCanceled
		}
		return out.result, nil
	case <-timer.C:
		_ = token.Cancel(false)
		return nil, &TimeoutError{Timeout: opts.Timeout}
	case <-token.Done():
		timer.Stop()
		// An attempt may have finished in the same instant the cancel
		// landed. A settled outcome wins over the cancellation.
		select {
		case out := <-resultCh:
			if out.err != nil {
				return nil, out.err
			}
			if out.result != nil {
				return out.result, nil
			}
		default:
		}
		return nil, ErrCanceled
	}
}
