package queuedriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/strata/pkg/cancelable"
	"github.com/rzbill/strata/pkg/gate"
	"github.com/rzbill/strata/pkg/log"
)

// Handler executes one query definition and returns its result.
type Handler func(ctx context.Context, def *QueryDef) (json.RawMessage, error)

// ResultEnvelope is what gets ack'd into the store: either a result or an
// error, so waiting callers learn about handler failures instead of timing
// out.
type ResultEnvelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// QueueOptions configures a QueryQueue.
type QueueOptions struct {
	// ProcessInterval is how often pending items are swept into the local
	// execution queue. Default 2s.
	ProcessInterval time.Duration
	// ReconcileInterval is how often stalled/orphaned items are reaped.
	// Default 60s.
	ReconcileInterval time.Duration
	// HeartbeatInterval is how often an executing item renews its
	// heartbeat. Default a third of the driver's heartbeat timeout.
	HeartbeatInterval time.Duration
	// Capacity bounds locally enqueued-but-unprocessed items. Default 100.
	Capacity int
	// Concurrency bounds locally executing items. Default 2.
	Concurrency int
	// WaitTimeout bounds how long ExecuteInQueue waits for a result.
	// Default 10m.
	WaitTimeout time.Duration
	Logger      log.Logger
}

func (o *QueueOptions) withDefaults(driverOpts Options) QueueOptions {
	out := *o
	if out.ProcessInterval <= 0 {
		out.ProcessInterval = 2 * time.Second
	}
	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = time.Minute
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = driverOpts.HeartbeatTimeout / 3
	}
	if out.Capacity <= 0 {
		out.Capacity = 100
	}
	if out.Concurrency <= 0 {
		out.Concurrency = driverOpts.Concurrency
	}
	if out.WaitTimeout <= 0 {
		out.WaitTimeout = 10 * time.Minute
	}
	if out.Logger == nil {
		out.Logger = log.NewNopLogger()
	}
	return out
}

// QueryQueue runs queued query definitions through registered handlers. It
// is one worker among possibly many; the store's admission control decides
// which worker actually gets each item.
type QueryQueue struct {
	driver   *Driver
	handlers map[string]Handler
	opts     QueueOptions
	logger   log.Logger

	local *gate.SetQueue[string]

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewQueryQueue(driver *Driver, handlers map[string]Handler, opts QueueOptions) *QueryQueue {
	opts = opts.withDefaults(driver.opts)
	q := &QueryQueue{
		driver:   driver,
		handlers: handlers,
		opts:     opts,
		logger:   opts.Logger.WithComponent("queryqueue"),
	}
	q.local = gate.NewSetQueue[string](opts.Capacity, opts.Concurrency, q.processQuery)
	return q
}

// Start launches the background processing and reconcile loops.
func (q *QueryQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.wg.Add(2)
	go q.loop(ctx, q.opts.ProcessInterval, q.processPending)
	go q.loop(ctx, q.opts.ReconcileInterval, q.reconcile)
}

// Stop halts background loops and waits for them.
func (q *QueryQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()
	cancel()
	q.local.Close()
	q.wg.Wait()
}

func (q *QueryQueue) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ExecuteInQueue enqueues a definition (or attaches to an existing item for
// the same key) and blocks until its result arrives. Multiple callers with
// the same key share one queued build: only the first add wins, the rest
// observe added=0 and wait on the same result.
func (q *QueryQueue) ExecuteInQueue(ctx context.Context, key QueryKey, def *QueryDef) (json.RawMessage, error) {
	hash, err := q.driver.HashKey(key)
	if err != nil {
		return nil, err
	}
	if def.AddedMs == 0 {
		def.AddedMs = time.Now().UnixMilli()
	}

	add, err := q.driver.AddToQueue(ctx, hash, q.driver.opts.OrphanedTimeout, def)
	if err != nil {
		return nil, err
	}
	if add.Added {
		q.logger.Debug("query enqueued",
			log.Str("hash", hash), log.Uint64("queueId", add.QueueID), log.Int("pending", add.Pending))
	} else {
		q.logger.Debug("attached to queued query",
			log.Str("hash", hash), log.Uint64("queueId", add.QueueID))
	}

	// Nudge local processing so a lone worker does not wait a full sweep
	// interval for its own enqueue.
	if err := q.local.Add(ctx, hash); err != nil {
		return nil, err
	}

	token := cancelable.NewToken()
	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	token.Defer(stopWait)

	envelope, err := cancelable.RetryWithTimeout(token, func(t *cancelable.Token) (*ResultEnvelope, error) {
		raw, err := q.driver.GetResultBlocking(waitCtx, hash, add.QueueID)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			def, err := q.driver.GetQueryDef(waitCtx, hash, add.QueueID)
			if err != nil {
				return nil, err
			}
			if def != nil {
				// Still queued or executing, ask again.
				return nil, nil
			}
			// The item is gone without a published result. An ack could
			// have landed between the long poll and the lookup, so read
			// the result once more before declaring it canceled.
			raw, err = q.driver.GetResult(waitCtx, hash)
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, fmt.Errorf("queuedriver: query %s was canceled", hash)
			}
		}
		var env ResultEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("queuedriver: decode result for %s: %w", hash, err)
		}
		return &env, nil
	}, cancelable.RetryOptions{
		Timeout: q.opts.WaitTimeout,
		Pause:   func(int) time.Duration { return 100 * time.Millisecond },
	})
	if err != nil {
		return nil, err
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("queuedriver: query %s failed: %s", hash, envelope.Error)
	}
	return envelope.Result, nil
}

// processPending pulls store-pending items into the local execution queue.
func (q *QueryQueue) processPending(ctx context.Context) {
	hashes, err := q.driver.GetToProcessQueries(ctx)
	if err != nil {
		q.logger.Warn("pending sweep failed", log.Err(err))
		return
	}
	for _, hash := range hashes {
		if err := q.local.Add(ctx, hash); err != nil {
			return
		}
	}
}

// processQuery attempts to win one item from the store and run it. Losing
// the retrieve (another worker got it, or the concurrency cap is reached)
// is normal and silent.
func (q *QueryQueue) processQuery(ctx context.Context, hash string) {
	processingID, err := q.driver.GetNextProcessingId(ctx)
	if err != nil {
		q.logger.Warn("processing id unavailable", log.Err(err))
		return
	}
	retrieved, err := q.driver.RetrieveForProcessing(ctx, hash)
	if err != nil {
		q.logger.Warn("retrieve failed", log.Str("hash", hash), log.Err(err))
		return
	}
	if retrieved == nil || !retrieved.GotWork {
		return
	}
	def := retrieved.Def
	logger := q.logger.With(
		log.Str("hash", hash),
		log.Uint64("queueId", retrieved.QueueID),
		log.Int64("processingId", processingID),
		log.Str("handler", def.HandlerName))
	logger.Debug("processing query")

	// Keep the item alive while the handler runs.
	hbStop := make(chan struct{})
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		ticker := time.NewTicker(q.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.driver.UpdateHeartBeat(ctx, hash, retrieved.QueueID); err != nil {
					logger.Warn("heartbeat failed", log.Err(err))
				}
			}
		}
	}()

	envelope := q.runHandler(ctx, def)
	close(hbStop)
	hbDone.Wait()

	encoded, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("encode result failed", log.Err(err))
		return
	}
	found, err := q.driver.SetResultAndRemoveQuery(ctx, hash, retrieved.QueueID, encoded)
	if err != nil {
		logger.Error("ack failed", log.Err(err))
		return
	}
	if !found {
		logger.Warn("query vanished before ack")
	}
	logger.Debug("query processed")
}

func (q *QueryQueue) runHandler(ctx context.Context, def *QueryDef) *ResultEnvelope {
	handler, ok := q.handlers[def.HandlerName]
	if !ok {
		return &ResultEnvelope{Error: fmt.Sprintf("no handler registered for %q", def.HandlerName)}
	}
	result, err := handler(ctx, def)
	if err != nil {
		return &ResultEnvelope{Error: err.Error()}
	}
	return &ResultEnvelope{Result: result}
}

// reconcile cancels items that stalled or sat orphaned past their
// deadlines, so dead workers do not pin the queue forever.
func (q *QueryQueue) reconcile(ctx context.Context) {
	hashes, err := q.driver.GetQueriesToCancel(ctx)
	if err != nil {
		q.logger.Warn("reconcile sweep failed", log.Err(err))
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, hash := range hashes {
		hash := hash
		g.Go(func() error {
			def, err := q.driver.CancelQuery(gctx, hash, 0)
			if err != nil {
				q.logger.Warn("cancel failed", log.Str("hash", hash), log.Err(err))
				return nil
			}
			if def != nil {
				q.logger.Info("canceled dead query",
					log.Str("hash", hash), log.Str("handler", def.HandlerName))
			}
			return nil
		})
	}
	_ = g.Wait()
}
