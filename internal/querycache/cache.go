// Package querycache serves query results from an in-memory TTL cache with
// a staleness policy per request. Misses and refreshes are deduplicated per
// key, so concurrent callers for the same query share one computation.
package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/rzbill/strata/pkg/log"
)

// Mode selects the staleness policy for one lookup.
type Mode string

const (
	// ModeStaleIfSlow serves cache when fresh; on stale entries it waits a
	// short grace window for the refresh and serves the stale value when
	// the refresh is slower.
	ModeStaleIfSlow Mode = "stale-if-slow"
	// ModeStaleWhileRevalidate serves any cached value immediately and
	// refreshes stale entries in the background.
	ModeStaleWhileRevalidate Mode = "stale-while-revalidate"
	// ModeMustRevalidate blocks until fresh data is available.
	ModeMustRevalidate Mode = "must-revalidate"
	// ModeNoCache recomputes unconditionally.
	ModeNoCache Mode = "no-cache"
)

// ParseMode validates a mode string, defaulting empty to ModeStaleIfSlow.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeStaleIfSlow, nil
	case ModeStaleIfSlow, ModeStaleWhileRevalidate, ModeMustRevalidate, ModeNoCache:
		return Mode(s), nil
	}
	return "", fmt.Errorf("querycache: unknown cache mode %q", s)
}

// Fetcher computes a fresh value for a key.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

type entry struct {
	value     json.RawMessage
	fetchedAt time.Time
}

// Options configures a Cache.
type Options struct {
	// TTL evicts entries entirely. Default 10m.
	TTL time.Duration
	// RefreshAge marks entries stale. Default 30s.
	RefreshAge time.Duration
	// GraceWait is the stale-if-slow window. Default 5s.
	GraceWait time.Duration
	Logger    log.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TTL <= 0 {
		out.TTL = 10 * time.Minute
	}
	if out.RefreshAge <= 0 {
		out.RefreshAge = 30 * time.Second
	}
	if out.GraceWait <= 0 {
		out.GraceWait = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = log.NewNopLogger()
	}
	return out
}

// flight is one in-progress fetch shared by every waiter for its key.
type flight struct {
	done  chan struct{}
	value json.RawMessage
	err   error
}

type Cache struct {
	opts    Options
	logger  log.Logger
	entries *ttlcache.Cache[string, *entry]

	mu       sync.Mutex
	inflight map[string]*flight
}

func New(opts Options) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		opts:   opts,
		logger: opts.Logger.WithComponent("querycache"),
		entries: ttlcache.New(
			ttlcache.WithTTL[string, *entry](opts.TTL),
			ttlcache.WithDisableTouchOnHit[string, *entry](),
		),
		inflight: make(map[string]*flight),
	}
	go c.entries.Start()
	return c
}

// Close stops background eviction.
func (c *Cache) Close() {
	c.entries.Stop()
}

func (c *Cache) lookup(key string) (*entry, bool) {
	item := c.entries.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache) store(key string, value json.RawMessage) {
	c.entries.Set(key, &entry{value: value, fetchedAt: time.Now()}, ttlcache.DefaultTTL)
}

// Fetch returns the value for key under the given staleness mode, using
// fetch to compute fresh data.
func (c *Cache) Fetch(ctx context.Context, key string, mode Mode, fetch Fetcher) (json.RawMessage, error) {
	if mode == ModeNoCache {
		value, err := c.await(ctx, c.refresh(key, fetch))
		if err != nil {
			return nil, err
		}
		return value, nil
	}

	cached, ok := c.lookup(key)
	if !ok {
		// Nothing to serve; every mode blocks on the first computation.
		return c.await(ctx, c.refresh(key, fetch))
	}
	stale := time.Since(cached.fetchedAt) > c.opts.RefreshAge

	switch mode {
	case ModeMustRevalidate:
		if !stale {
			return cached.value, nil
		}
		return c.await(ctx, c.refresh(key, fetch))

	case ModeStaleWhileRevalidate:
		if stale {
			fl := c.refresh(key, fetch)
			go func() {
				<-fl.done
				if fl.err != nil {
					c.logger.Warn("background refresh failed", log.Str("key", key), log.Err(fl.err))
				}
			}()
		}
		return cached.value, nil

	default: // ModeStaleIfSlow
		if !stale {
			return cached.value, nil
		}
		fl := c.refresh(key, fetch)
		select {
		case <-fl.done:
			if fl.err != nil {
				return nil, fl.err
			}
			return fl.value, nil
		case <-time.After(c.opts.GraceWait):
			c.logger.Debug("refresh slow, serving stale", log.Str("key", key))
			return cached.value, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// refresh starts (or joins) the fetch for key.
func (c *Cache) refresh(key string, fetch Fetcher) *flight {
	c.mu.Lock()
	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return fl
	}
	fl := &flight{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			close(fl.done)
		}()
		// The fetch outlives any single waiter; its result lands in the
		// cache for everyone.
		value, err := fetch(context.Background())
		if err != nil {
			fl.err = err
			return
		}
		fl.value = value
		c.store(key, value)
	}()
	return fl
}

// await blocks until the flight finishes or ctx expires.
func (c *Cache) await(ctx context.Context, fl *flight) (json.RawMessage, error) {
	select {
	case <-fl.done:
		return fl.value, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var ErrNotCached = errors.New("querycache: not cached")

// Peek returns the cached value without triggering any refresh.
func (c *Cache) Peek(key string) (json.RawMessage, error) {
	if e, ok := c.lookup(key); ok {
		return e.value, nil
	}
	return nil, ErrNotCached
}
