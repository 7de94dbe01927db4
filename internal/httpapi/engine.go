package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rzbill/strata/internal/querycache"
	"github.com/rzbill/strata/internal/queuedriver"
)

// Runner computes a query result, typically by driving it through the
// distributed queue.
type Runner func(ctx context.Context, req *QueryRequest) (json.RawMessage, error)

// HealthFunc reports whether the engine's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// CachedEngine fronts a Runner with the query cache so repeated queries
// are served per their cache mode.
type CachedEngine struct {
	cache  *querycache.Cache
	run    Runner
	health HealthFunc
}

func NewCachedEngine(cache *querycache.Cache, run Runner, health HealthFunc) *CachedEngine {
	return &CachedEngine{cache: cache, run: run, health: health}
}

func (e *CachedEngine) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	mode, err := querycache.ParseMode(req.CacheMode)
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(req.Query, &parsed); err != nil {
		return nil, fmt.Errorf("httpapi: malformed query: %w", err)
	}
	key, err := queuedriver.KeyHash(queuedriver.QueryKey{Key: parsed}, "")
	if err != nil {
		return nil, err
	}
	data, err := e.cache.Fetch(ctx, key, mode, func(ctx context.Context) (json.RawMessage, error) {
		return e.run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &QueryResponse{Data: data}, nil
}

func (e *CachedEngine) CheckHealth(ctx context.Context) error {
	if e.health == nil {
		return nil
	}
	return e.health(ctx)
}
