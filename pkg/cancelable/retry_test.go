package cancelable

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryResolvesAfterFewAttempts(t *testing.T) {
	var calls int32
	start := time.Now()
	res, err := RetryWithTimeout(NewToken(), func(token *Token) (*string, error) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			return nil, nil
		}
		s := "done"
		return &s, nil
	}, RetryOptions{
		Timeout: time.Second,
		Pause:   func(int) time.Duration { return 50 * time.Millisecond },
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if *res != "done" {
		t.Fatalf("got %q", *res)
	}
	elapsed := time.Since(start)
	if elapsed < 120*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("expected ~150ms of pauses, took %s", elapsed)
	}
}

func TestRetryTimesOutAndCancelsToken(t *testing.T) {
	tok := NewToken()
	start := time.Now()
	_, err := RetryWithTimeout(tok, func(token *Token) (*int, error) {
		return nil, nil
	}, RetryOptions{
		Timeout: 200 * time.Millisecond,
		Pause:   func(int) time.Duration { return 10 * time.Millisecond },
	})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Fatalf("expected ~200ms, took %s", elapsed)
	}
	if !tok.IsCanceled() {
		t.Fatalf("token not canceled after timeout")
	}
}

func TestRetryPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := RetryWithTimeout(NewToken(), func(token *Token) (*int, error) {
		return nil, boom
	}, RetryOptions{Timeout: time.Second})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRetryKeepsResultSettledAtCancel(t *testing.T) {
	// Cancel landing in the same instant the attempt succeeds must not
	// discard the computed result.
	for i := 0; i < 100; i++ {
		tok := NewToken()
		res, err := RetryWithTimeout(tok, func(token *Token) (*string, error) {
			_ = tok.Cancel(false)
			s := "settled"
			return &s, nil
		}, RetryOptions{Timeout: time.Second})
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if res == nil || *res != "settled" {
			t.Fatalf("iteration %d: result = %v", i, res)
		}
	}
}

func TestRetryStopsOnExternalCancel(t *testing.T) {
	tok := NewToken()
	var calls int32
	done := make(chan struct{})
	go func() {
		_, err := RetryWithTimeout(tok, func(token *Token) (*int, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		}, RetryOptions{
			Timeout: 5 * time.Second,
			Pause:   func(int) time.Duration { return 10 * time.Millisecond },
		})
		if !errors.Is(err, ErrCanceled) {
			t.Errorf("expected ErrCanceled, got %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	_ = tok.Cancel(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("retry loop did not exit promptly on cancel")
	}
}
