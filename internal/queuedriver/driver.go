// Package queuedriver maps abstract queue operations onto coordination
// store commands. The driver is stateless with respect to cross-process
// coordination: mutual exclusion on queue items is the store's job, the
// driver only speaks the command surface.
package queuedriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/strata/internal/client"
	"github.com/rzbill/strata/internal/command"
	"github.com/rzbill/strata/pkg/id"
	"github.com/rzbill/strata/pkg/log"
)

// QueryDef is the payload of a queued item.
type QueryDef struct {
	HandlerName   string          `json:"handler"`
	Query         json.RawMessage `json:"query"`
	QueryKey      json.RawMessage `json:"queryKey"`
	StageQueryKey string          `json:"stageQueryKey,omitempty"`
	Priority      int64           `json:"priority"`
	RequestID     string          `json:"requestId,omitempty"`
	AddedMs       int64           `json:"addedToQueueTime,omitempty"`
	Extra         json.RawMessage `json:"extra,omitempty"`
}

// AddResponse is the outcome of AddToQueue.
type AddResponse struct {
	Added   bool
	QueueID uint64
	Pending int
	AddedMs int64
}

// Retrieved is the outcome of RetrieveForProcessing. Def is nil when the
// store refused to hand out work (admission control or already active).
type Retrieved struct {
	GotWork    bool
	QueueID    uint64
	ActiveKeys []string
	Pending    int
	Def        *QueryDef
}

// Options configures a Driver.
type Options struct {
	// Queue is the key prefix all items of this driver live under.
	Queue string
	// Concurrency is the cluster-wide cap on active items, enforced by the
	// store per retrieve call. Default 2.
	Concurrency int
	// ContinueWaitTimeout bounds server-side blocking result waits.
	// Default 5s.
	ContinueWaitTimeout time.Duration
	// HeartbeatTimeout marks active items stalled. Default 30s.
	HeartbeatTimeout time.Duration
	// OrphanedTimeout marks unprogressed items orphaned. Default 120s.
	OrphanedTimeout time.Duration
	Logger          log.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Queue == "" {
		out.Queue = "queries"
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 2
	}
	if out.ContinueWaitTimeout <= 0 {
		out.ContinueWaitTimeout = 5 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 30 * time.Second
	}
	if out.OrphanedTimeout <= 0 {
		out.OrphanedTimeout = 120 * time.Second
	}
	if out.Logger == nil {
		out.Logger = log.NewNopLogger()
	}
	return out
}

// Driver issues queue commands over pooled connections.
type Driver struct {
	pool       *client.Pool[*client.Conn]
	opts       Options
	processUID id.ProcessUID
	logger     log.Logger
}

func New(pool *client.Pool[*client.Conn], processUID id.ProcessUID, opts Options) *Driver {
	opts = opts.withDefaults()
	return &Driver{
		pool:       pool,
		opts:       opts,
		processUID: processUID,
		logger:     opts.Logger.WithComponent("queuedriver"),
	}
}

// Queue returns the configured queue prefix.
func (d *Driver) Queue() string { return d.opts.Queue }

// HashKey derives the store key hash for a query key.
func (d *Driver) HashKey(key QueryKey) (string, error) {
	return KeyHash(key, d.processUID)
}

// storeKey builds the handle for a store operation. The numeric queue id is
// the fast path; the schema-prefixed hash key is the fallback for items
// enqueued before an id was known.
func (d *Driver) storeKey(hash string, queueID uint64) string {
	if queueID != 0 {
		return strconv.FormatUint(queueID, 10)
	}
	return d.opts.Queue + ":" + hash
}

func (d *Driver) query(ctx context.Context, cmd string) ([]client.Row, error) {
	var rows []client.Row
	err := d.pool.WithConn(ctx, func(c *client.Conn) error {
		var qerr error
		rows, qerr = c.Query(ctx, cmd, nil, "")
		return qerr
	})
	return rows, err
}

func quote(v string) string { return command.QuoteLiteral(v) }

// AddToQueue enqueues a query definition. An empty response violates the
// command contract and is an error, not a sentinel.
func (d *Driver) AddToQueue(ctx context.Context, hash string, orphanedTimeout time.Duration, def *QueryDef) (*AddResponse, error) {
	payload, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("queuedriver: AddToQueue: encode def: %w", err)
	}
	cmd := fmt.Sprintf("QUEUE ADD PRIORITY %d", def.Priority)
	if orphanedTimeout > 0 {
		cmd += fmt.Sprintf(" ORPHANED %d", int64(orphanedTimeout.Seconds()))
	}
	cmd += " " + quote(d.opts.Queue+":"+hash) + " " + quote(string(payload))

	rows, err := d.query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("queuedriver: AddToQueue: empty response for %s", hash)
	}
	row := rows[0]
	queueID, _ := strconv.ParseUint(row["id"], 10, 64)
	pending, _ := strconv.Atoi(row["pending"])
	return &AddResponse{
		Added:   row["added"] == "1",
		QueueID: queueID,
		Pending: pending,
		AddedMs: def.AddedMs,
	}, nil
}

// RetrieveForProcessing asks the store to activate the item for this
// worker. The store applies the concurrency cap; a refusal still reports
// the active set and pending count.
func (d *Driver) RetrieveForProcessing(ctx context.Context, hash string) (*Retrieved, error) {
	cmd := fmt.Sprintf("QUEUE RETRIEVE EXTENDED CONCURRENCY %d %s",
		d.opts.Concurrency, quote(d.opts.Queue+":"+hash))
	rows, err := d.query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	queueID, _ := strconv.ParseUint(row["id"], 10, 64)
	pending, _ := strconv.Atoi(row["pending"])
	out := &Retrieved{
		QueueID:    queueID,
		ActiveKeys: splitList(row["active"]),
		Pending:    pending,
	}
	payload, ok := row["payload"]
	if !ok {
		return out, nil
	}
	def, err := decodeDef("RetrieveForProcessing", payload)
	if err != nil {
		return nil, err
	}
	if extra, ok := row["extra"]; ok && extra != "" {
		def.Extra = json.RawMessage(extra)
	}
	out.GotWork = true
	out.Def = def
	return out, nil
}

// GetResult returns the stored execution result for a finished query, or
// nil when none is stored. Reading consumes the result.
func (d *Driver) GetResult(ctx context.Context, hash string) (json.RawMessage, error) {
	rows, err := d.query(ctx, "QUEUE RESULT "+quote(d.storeKey(hash, 0)))
	if err != nil {
		return nil, err
	}
	return resultValue(rows), nil
}

// GetResultBlocking long-polls for the result up to the configured
// continue-wait timeout. nil means "still not ready, ask again".
func (d *Driver) GetResultBlocking(ctx context.Context, hash string, queueID uint64) (json.RawMessage, error) {
	cmd := fmt.Sprintf("QUEUE RESULT_BLOCKING %d %s",
		int64(d.opts.ContinueWaitTimeout.Seconds()), quote(d.storeKey(hash, queueID)))
	rows, err := d.query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return resultValue(rows), nil
}

func resultValue(rows []client.Row) json.RawMessage {
	if len(rows) == 0 {
		return nil
	}
	if v, ok := rows[0]["value"]; ok {
		return json.RawMessage(v)
	}
	return nil
}

// SetResultAndRemoveQuery acks the item with its result. False means the
// item vanished underneath the worker (canceled or double ack).
func (d *Driver) SetResultAndRemoveQuery(ctx context.Context, hash string, queueID uint64, result json.RawMessage) (bool, error) {
	cmd := "QUEUE ACK " + quote(string(result)) + " " + quote(d.storeKey(hash, queueID))
	rows, err := d.query(ctx, cmd)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && rows[0]["found"] == "1", nil
}

// CancelQuery removes an item and returns its definition, or nil when
// nothing was queued.
func (d *Driver) CancelQuery(ctx context.Context, hash string, queueID uint64) (*QueryDef, error) {
	rows, err := d.query(ctx, "QUEUE CANCEL "+quote(d.storeKey(hash, queueID)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	payload, ok := rows[0]["payload"]
	if !ok {
		return nil, fmt.Errorf("queuedriver: CancelQuery: missing payload for %s", hash)
	}
	return decodeDef("CancelQuery", payload)
}

// GetQueryDef fetches an item's definition without changing its state.
func (d *Driver) GetQueryDef(ctx context.Context, hash string, queueID uint64) (*QueryDef, error) {
	rows, err := d.query(ctx, "QUEUE GET "+quote(d.storeKey(hash, queueID)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	payload, ok := rows[0]["payload"]
	if !ok {
		return nil, fmt.Errorf("queuedriver: GetQueryDef: missing payload for %s", hash)
	}
	def, err := decodeDef("GetQueryDef", payload)
	if err != nil {
		return nil, err
	}
	if extra, ok := rows[0]["extra"]; ok && extra != "" {
		def.Extra = json.RawMessage(extra)
	}
	return def, nil
}

// UpdateHeartBeat refreshes the liveness timestamp of an active item.
func (d *Driver) UpdateHeartBeat(ctx context.Context, hash string, queueID uint64) error {
	_, err := d.query(ctx, "QUEUE HEARTBEAT "+quote(d.storeKey(hash, queueID)))
	return err
}

// OptimisticQueryUpdate merges partial extra fields into an item. The store
// performs the merge, so concurrent updaters never lose writes.
func (d *Driver) OptimisticQueryUpdate(ctx context.Context, hash string, queueID uint64, patch any) (bool, error) {
	encoded, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("queuedriver: OptimisticQueryUpdate: encode patch: %w", err)
	}
	cmd := "QUEUE MERGE_EXTRA " + quote(d.storeKey(hash, queueID)) + " " + quote(string(encoded))
	rows, err := d.query(ctx, cmd)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && rows[0]["found"] == "1", nil
}

// GetActiveQueries lists item ids currently being processed.
func (d *Driver) GetActiveQueries(ctx context.Context) ([]string, error) {
	return d.keyList(ctx, "QUEUE ACTIVE " + quote(d.opts.Queue))
}

// GetToProcessQueries lists item ids waiting for a worker.
func (d *Driver) GetToProcessQueries(ctx context.Context) ([]string, error) {
	return d.keyList(ctx, "QUEUE PENDING " + quote(d.opts.Queue))
}

// GetStalledQueries lists active items with lapsed heartbeats.
func (d *Driver) GetStalledQueries(ctx context.Context) ([]string, error) {
	return d.keyList(ctx, fmt.Sprintf("QUEUE STALLED %d %s",
		int64(d.opts.HeartbeatTimeout.Seconds()), quote(d.opts.Queue)))
}

// GetOrphanedQueries lists items past their orphan deadline.
func (d *Driver) GetOrphanedQueries(ctx context.Context) ([]string, error) {
	return d.keyList(ctx, fmt.Sprintf("QUEUE ORPHANED %d %s",
		int64(d.opts.OrphanedTimeout.Seconds()), quote(d.opts.Queue)))
}

// GetQueriesToCancel lists stalled and orphaned items in one sweep.
func (d *Driver) GetQueriesToCancel(ctx context.Context) ([]string, error) {
	return d.keyList(ctx, fmt.Sprintf("QUEUE TO_CANCEL %d %d %s",
		int64(d.opts.HeartbeatTimeout.Seconds()),
		int64(d.opts.OrphanedTimeout.Seconds()), quote(d.opts.Queue)))
}

// keyList runs a sweep command and extracts hash keys from the rows. The
// store reports full "{queue}:{hash}" keys; callers work in hashes.
func (d *Driver) keyList(ctx context.Context, cmd string) ([]string, error) {
	rows, err := d.query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	prefix := d.opts.Queue + ":"
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		key, ok := row["key"]
		if !ok {
			continue
		}
		keys = append(keys, strings.TrimPrefix(key, prefix))
	}
	return keys, nil
}

// GetNextProcessingId draws a process-unique processing id from the
// store-side atomic counter, so multiple worker processes never collide.
func (d *Driver) GetNextProcessingId(ctx context.Context) (int64, error) {
	rows, err := d.query(ctx, "CACHE INCR "+quote("processing/"+d.opts.Queue))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("queuedriver: GetNextProcessingId: empty response")
	}
	n, err := strconv.ParseInt(rows[0]["value"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("queuedriver: GetNextProcessingId: bad counter %q", rows[0]["value"])
	}
	return n, nil
}

func decodeDef(method, payload string) (*QueryDef, error) {
	if payload == "" {
		return nil, fmt.Errorf("queuedriver: %s: missing payload", method)
	}
	var def QueryDef
	if err := json.Unmarshal([]byte(payload), &def); err != nil {
		return nil, fmt.Errorf("queuedriver: %s: decode payload: %w", method, err)
	}
	return &def, nil
}

func splitList(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
