package serverrun

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rzbill/strata/internal/client"
	cfgpkg "github.com/rzbill/strata/internal/config"
	"github.com/rzbill/strata/internal/httpapi"
	"github.com/rzbill/strata/internal/preagg"
	"github.com/rzbill/strata/internal/querycache"
	"github.com/rzbill/strata/internal/queuedriver"
	"github.com/rzbill/strata/pkg/id"
	"github.com/rzbill/strata/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Factory builds the source driver used to load pre-aggregation
	// tables. Left nil, the server runs but builds fail with a clear
	// error; existing rollups are still served.
	Factory preagg.SourceDriverFactory
}

// Run starts the query engine HTTP server and its queue worker, blocking
// until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg := opts.Config

	pool := client.NewPool(client.PoolOptions[*client.Conn]{
		Name: "coordination",
		New: func(ctx context.Context) (*client.Conn, error) {
			return client.Dial(cfg.StoreAddr, client.Options{Logger: logger})
		},
		Close:          func(c *client.Conn) { c.Close() },
		Max:            cfg.Pool.Max,
		AcquireTimeout: cfg.Pool.AcquireTimeout(),
	})
	defer pool.Close()

	driver := queuedriver.New(pool, id.NewProcessUID(), queuedriver.Options{
		Queue:               cfg.Queue.Name,
		Concurrency:         cfg.Queue.Concurrency,
		ContinueWaitTimeout: cfg.Queue.ContinueWait(),
		HeartbeatTimeout:    cfg.Queue.HeartbeatTimeout(),
		OrphanedTimeout:     cfg.Queue.OrphanedTimeout(),
		Logger:              logger,
	})

	meta := preagg.NewCoordMetaStore(pool)
	orch := preagg.NewOrchestrator(meta, nil, opts.Factory, logger)
	queue := queuedriver.NewQueryQueue(driver, orch.Handlers(), queuedriver.QueueOptions{
		Logger: logger,
	})
	orch.AttachQueue(queue)
	queue.Start()
	defer queue.Stop()

	cache := querycache.New(querycache.Options{
		TTL:        cfg.Cache.TTL(),
		RefreshAge: cfg.Cache.RefreshAge(),
		GraceWait:  cfg.Cache.GraceWait(),
	})
	defer cache.Close()

	engine := httpapi.NewCachedEngine(cache, ensureRunner(orch), storeHealth(pool))
	srv := httpapi.New(engine, logger)

	logger.Info("starting query engine",
		log.Str("http", cfg.HTTPAddr),
		log.Str("store", cfg.StoreAddr),
		log.Str("queue", cfg.Queue.Name))

	return srv.ListenAndServe(sctx, cfg.HTTPAddr)
}

// ensureRunner answers a query by ensuring its pre-aggregation exists and
// returning the physical table serving it.
func ensureRunner(orch *preagg.Orchestrator) httpapi.Runner {
	return func(ctx context.Context, req *httpapi.QueryRequest) (json.RawMessage, error) {
		var q struct {
			preagg.PreAggregation
			ExternalRefresh bool `json:"externalRefresh"`
			WaitForRenew    bool `json:"waitForRenew"`
		}
		if err := json.Unmarshal(req.Query, &q); err != nil {
			return nil, fmt.Errorf("serverrun: malformed query: %w", err)
		}
		if q.Table == "" {
			return nil, fmt.Errorf("serverrun: query needs a table")
		}
		table, err := orch.EnsureTable(ctx, q.PreAggregation, preagg.BuildOptions{
			ExternalRefresh: q.ExternalRefresh,
			WaitForRenew:    q.WaitForRenew,
			RequestID:       req.RequestID,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"tableName": table})
	}
}

// storeHealth pings the coordination store through the pool.
func storeHealth(pool *client.Pool[*client.Conn]) httpapi.HealthFunc {
	return func(ctx context.Context) error {
		return pool.WithConn(ctx, func(c *client.Conn) error {
			_, err := c.Query(ctx, "CACHE GET 'healthz'", nil, "")
			return err
		})
	}
}
