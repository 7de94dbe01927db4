package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counterFetcher(calls *atomic.Int32, delay time.Duration) Fetcher {
	return func(ctx context.Context) (json.RawMessage, error) {
		n := calls.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), nil
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeStaleIfSlow {
		t.Fatalf("default mode = %v, %v", m, err)
	}
	if _, err := ParseMode("eventually"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestFetchMissBlocksAndCaches(t *testing.T) {
	c := New(Options{RefreshAge: time.Minute})
	defer c.Close()
	var calls atomic.Int32

	v, err := c.Fetch(context.Background(), "q1", ModeStaleIfSlow, counterFetcher(&calls, 0))
	if err != nil || string(v) != `{"n":1}` {
		t.Fatalf("fetch = %s, %v", v, err)
	}
	// Fresh hit does not refetch.
	v, err = c.Fetch(context.Background(), "q1", ModeStaleIfSlow, counterFetcher(&calls, 0))
	if err != nil || string(v) != `{"n":1}` {
		t.Fatalf("second fetch = %s, %v", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchDeduplicatesConcurrentMisses(t *testing.T) {
	c := New(Options{RefreshAge: time.Minute})
	defer c.Close()
	var calls atomic.Int32
	fetch := counterFetcher(&calls, 100*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := c.Fetch(context.Background(), "shared", ModeMustRevalidate, fetch); err != nil || string(v) != `{"n":1}` {
				t.Errorf("fetch = %s, %v", v, err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 shared computation", calls.Load())
	}
}

func TestNoCacheAlwaysRecomputes(t *testing.T) {
	c := New(Options{RefreshAge: time.Minute})
	defer c.Close()
	var calls atomic.Int32

	for want := int32(1); want <= 2; want++ {
		v, err := c.Fetch(context.Background(), "nc", ModeNoCache, counterFetcher(&calls, 0))
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if string(v) != fmt.Sprintf(`{"n":%d}`, want) {
			t.Fatalf("fetch %d = %s", want, v)
		}
	}
}

func TestStaleWhileRevalidateServesStaleImmediately(t *testing.T) {
	c := New(Options{RefreshAge: 30 * time.Millisecond})
	defer c.Close()
	var calls atomic.Int32
	fetch := counterFetcher(&calls, 80*time.Millisecond)

	if _, err := c.Fetch(context.Background(), "swr", ModeMustRevalidate, counterFetcher(&calls, 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // entry goes stale

	start := time.Now()
	v, err := c.Fetch(context.Background(), "swr", ModeStaleWhileRevalidate, fetch)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(v) != `{"n":1}` {
		t.Fatalf("stale value = %s", v)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("stale-while-revalidate blocked for %v", time.Since(start))
	}

	// The background refresh eventually lands.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, err := c.Peek("swr"); err == nil && string(v) == `{"n":2}` {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("background refresh never landed")
}

func TestStaleIfSlowServesStaleWhenRefreshIsSlow(t *testing.T) {
	c := New(Options{RefreshAge: 20 * time.Millisecond, GraceWait: 60 * time.Millisecond})
	defer c.Close()
	var calls atomic.Int32

	if _, err := c.Fetch(context.Background(), "sis", ModeMustRevalidate, counterFetcher(&calls, 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	// Slow refresh: grace expires, stale value wins.
	v, err := c.Fetch(context.Background(), "sis", ModeStaleIfSlow, counterFetcher(&calls, 300*time.Millisecond))
	if err != nil || string(v) != `{"n":1}` {
		t.Fatalf("slow refresh fetch = %s, %v", v, err)
	}
}

func TestStaleIfSlowReturnsFreshWhenRefreshIsFast(t *testing.T) {
	c := New(Options{RefreshAge: 20 * time.Millisecond, GraceWait: time.Second})
	defer c.Close()
	var calls atomic.Int32

	if _, err := c.Fetch(context.Background(), "sis2", ModeMustRevalidate, counterFetcher(&calls, 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	v, err := c.Fetch(context.Background(), "sis2", ModeStaleIfSlow, counterFetcher(&calls, 0))
	if err != nil || string(v) != `{"n":2}` {
		t.Fatalf("fast refresh fetch = %s, %v", v, err)
	}
}

func TestFetchPropagatesErrors(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	boom := errors.New("source down")
	_, err := c.Fetch(context.Background(), "err", ModeMustRevalidate, func(ctx context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	// A failed fetch is not cached.
	if _, err := c.Peek("err"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("peek after failure: %v", err)
	}
}
