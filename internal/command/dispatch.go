package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/strata/internal/store"
	"github.com/rzbill/strata/pkg/log"
)

// Result is a tabular command response. Rows are aligned with Columns; a
// nil cell is a SQL-style null.
type Result struct {
	Columns []string
	Rows    [][]*string
}

func cell(s string) *string { return &s }

func jsonCell(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func boolCell(b bool) *string {
	if b {
		return cell("1")
	}
	return cell("0")
}

// Handler executes textual commands against the coordination store.
type Handler struct {
	store  *store.Store
	logger log.Logger
}

func NewHandler(st *store.Store, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{store: st, logger: logger.WithComponent("command")}
}

// Execute parses and runs one command.
func (h *Handler) Execute(ctx context.Context, text string) (*Result, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	c := &cursor{tokens: tokens}
	switch {
	case c.keyword("QUEUE"):
		return h.queue(ctx, c)
	case c.keyword("CACHE"):
		return h.cache(ctx, c)
	}
	return nil, fmt.Errorf("command: unknown command %q", firstWord(text))
}

func firstWord(text string) string {
	if i := strings.IndexByte(strings.TrimSpace(text), ' '); i > 0 {
		return strings.TrimSpace(text)[:i]
	}
	return strings.TrimSpace(text)
}

func (h *Handler) queue(ctx context.Context, c *cursor) (*Result, error) {
	switch {
	case c.keyword("ADD"):
		return h.queueAdd(ctx, c)
	case c.keyword("RETRIEVE"):
		return h.queueRetrieve(ctx, c)
	case c.keyword("CANCEL"):
		return h.queueCancel(ctx, c)
	case c.keyword("GET"):
		return h.queueGet(ctx, c)
	case c.keyword("RESULT_BLOCKING"):
		return h.queueResultBlocking(ctx, c)
	case c.keyword("RESULT"):
		return h.queueResult(ctx, c)
	case c.keyword("ACK"):
		return h.queueAck(ctx, c)
	case c.keyword("HEARTBEAT"):
		return h.queueHeartbeat(ctx, c)
	case c.keyword("MERGE_EXTRA"):
		return h.queueMergeExtra(ctx, c)
	case c.keyword("ACTIVE"):
		return h.queueItems(c, store.StatusActive)
	case c.keyword("PENDING"):
		return h.queueItems(c, store.StatusPending)
	case c.keyword("LIST"):
		return h.queueList(c)
	case c.keyword("STALLED"):
		return h.queueStalled(c)
	case c.keyword("ORPHANED"):
		return h.queueOrphaned(c)
	case c.keyword("TO_CANCEL"):
		return h.queueToCancel(c)
	}
	return nil, fmt.Errorf("command: unknown QUEUE subcommand")
}

// QUEUE ADD PRIORITY <priority> [ORPHANED <seconds>] <key> <payload>
func (h *Handler) queueAdd(ctx context.Context, c *cursor) (*Result, error) {
	if !c.keyword("PRIORITY") {
		return nil, fmt.Errorf("command: QUEUE ADD requires PRIORITY")
	}
	priority, err := intArg(c, "priority")
	if err != nil {
		return nil, err
	}
	var orphaned time.Duration
	if c.keyword("ORPHANED") {
		secs, err := intArg(c, "orphaned timeout")
		if err != nil {
			return nil, err
		}
		orphaned = time.Duration(secs) * time.Second
	}
	key, err := c.arg()
	if err != nil {
		return nil, err
	}
	payload, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}

	res, err := h.store.QueueAdd(ctx, key, json.RawMessage(payload), priority, orphaned, 0)
	if err != nil {
		return nil, err
	}
	return &Result{
		Columns: []string{"added", "id", "pending"},
		Rows: [][]*string{{
			boolCell(res.Added),
			cell(strconv.FormatUint(res.ID, 10)),
			cell(strconv.Itoa(res.Pending)),
		}},
	}, nil
}

// QUEUE RETRIEVE [EXTENDED] CONCURRENCY <n> <key>
func (h *Handler) queueRetrieve(ctx context.Context, c *cursor) (*Result, error) {
	extended := c.keyword("EXTENDED")
	if !c.keyword("CONCURRENCY") {
		return nil, fmt.Errorf("command: QUEUE RETRIEVE requires CONCURRENCY")
	}
	concurrency, err := intArg(c, "concurrency")
	if err != nil {
		return nil, err
	}
	key, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}

	res, err := h.store.QueueRetrieve(ctx, key, int(concurrency), 0)
	if err != nil {
		return nil, err
	}
	columns := []string{"id", "active", "pending", "payload"}
	if extended {
		columns = append(columns, "extra")
	}
	out := &Result{Columns: columns}
	if res == nil {
		return out, nil
	}
	row := []*string{
		cell(strconv.FormatUint(res.ID, 10)),
		cell(strings.Join(res.Active, ",")),
		cell(strconv.Itoa(res.Pending)),
	}
	if res.Retrieved {
		row = append(row, jsonCell(res.Payload))
	} else {
		row = append(row, nil)
	}
	if extended {
		row = append(row, jsonCell(res.Extra))
	}
	out.Rows = [][]*string{row}
	return out, nil
}

// QUEUE CANCEL <key>
func (h *Handler) queueCancel(ctx context.Context, c *cursor) (*Result, error) {
	key, err := singleArg(c)
	if err != nil {
		return nil, err
	}
	it, err := h.store.QueueCancel(ctx, key)
	if err != nil {
		return nil, err
	}
	out := &Result{Columns: []string{"payload", "extra"}}
	if it != nil {
		out.Rows = [][]*string{{jsonCell(it.Payload), jsonCell(it.Extra)}}
	}
	return out, nil
}

// QUEUE GET <key>
func (h *Handler) queueGet(ctx context.Context, c *cursor) (*Result, error) {
	key, err := singleArg(c)
	if err != nil {
		return nil, err
	}
	it, err := h.store.QueueGet(key)
	if err != nil {
		return nil, err
	}
	out := &Result{Columns: []string{"payload", "extra", "status"}}
	if it != nil {
		out.Rows = [][]*string{{jsonCell(it.Payload), jsonCell(it.Extra), cell(it.Status)}}
	}
	return out, nil
}

// QUEUE RESULT <key>
func (h *Handler) queueResult(ctx context.Context, c *cursor) (*Result, error) {
	key, err := singleArg(c)
	if err != nil {
		return nil, err
	}
	value, found, err := h.store.QueueResult(ctx, key)
	if err != nil {
		return nil, err
	}
	out := &Result{Columns: []string{"value"}}
	if found {
		out.Rows = [][]*string{{jsonCell(value)}}
	}
	return out, nil
}

// QUEUE RESULT_BLOCKING <timeoutSeconds> <key>
func (h *Handler) queueResultBlocking(ctx context.Context, c *cursor) (*Result, error) {
	secs, err := intArg(c, "timeout")
	if err != nil {
		return nil, err
	}
	key, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}
	value, found, err := h.store.QueueResultBlocking(ctx, key, time.Duration(secs)*time.Second)
	if err != nil {
		return nil, err
	}
	out := &Result{Columns: []string{"value"}}
	if found {
		out.Rows = [][]*string{{jsonCell(value)}}
	}
	return out, nil
}

// QUEUE ACK <result> <key>
func (h *Handler) queueAck(ctx context.Context, c *cursor) (*Result, error) {
	result, err := c.arg()
	if err != nil {
		return nil, err
	}
	key, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}
	found, err := h.store.QueueAck(ctx, key, json.RawMessage(result), 0)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: []string{"found"}, Rows: [][]*string{{boolCell(found)}}}, nil
}

// QUEUE HEARTBEAT <key>
func (h *Handler) queueHeartbeat(ctx context.Context, c *cursor) (*Result, error) {
	key, err := singleArg(c)
	if err != nil {
		return nil, err
	}
	if err := h.store.QueueHeartbeat(ctx, key, 0); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// QUEUE MERGE_EXTRA <key> <patch>
func (h *Handler) queueMergeExtra(ctx context.Context, c *cursor) (*Result, error) {
	key, err := c.arg()
	if err != nil {
		return nil, err
	}
	patch, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}
	found, err := h.store.QueueMergeExtra(ctx, key, json.RawMessage(patch))
	if err != nil {
		return nil, err
	}
	return &Result{Columns: []string{"found"}, Rows: [][]*string{{boolCell(found)}}}, nil
}

// QUEUE ACTIVE <prefix> / QUEUE PENDING <prefix>
func (h *Handler) queueItems(c *cursor, status string) (*Result, error) {
	prefix, err := singleArg(c)
	if err != nil {
		return nil, err
	}
	var items []*store.Item
	if status == store.StatusActive {
		items, err = h.store.QueueListActive(prefix)
	} else {
		items, err = h.store.QueueListPending(prefix)
	}
	if err != nil {
		return nil, err
	}
	out := &Result{Columns: []string{"id", "key", "status"}}
	for _, it := range items {
		out.Rows = append(out.Rows, []*string{
			cell(strconv.FormatUint(it.ID, 10)), cell(it.Key), cell(it.Status),
		})
	}
	return out, nil
}

// QUEUE LIST [WITH_PAYLOAD] <prefix>
func (h *Handler) queueList(c *cursor) (*Result, error) {
	withPayload := c.keyword("WITH_PAYLOAD")
	prefix, err := singleArg(c)
	if err != nil {
		return nil, err
	}
	items, err := h.store.QueueList(prefix)
	if err != nil {
		return nil, err
	}
	columns := []string{"id", "key", "status", "priority", "added", "heartbeat"}
	if withPayload {
		columns = append(columns, "payload", "extra")
	}
	out := &Result{Columns: columns}
	for _, it := range items {
		row := []*string{
			cell(strconv.FormatUint(it.ID, 10)),
			cell(it.Key),
			cell(it.Status),
			cell(strconv.FormatInt(it.Priority, 10)),
			cell(strconv.FormatInt(it.AddedMs, 10)),
			cell(strconv.FormatInt(it.HeartbeatMs, 10)),
		}
		if withPayload {
			row = append(row, jsonCell(it.Payload), jsonCell(it.Extra))
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// QUEUE STALLED <heartbeatTimeoutSeconds> <prefix>
func (h *Handler) queueStalled(c *cursor) (*Result, error) {
	secs, err := intArg(c, "heartbeat timeout")
	if err != nil {
		return nil, err
	}
	prefix, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}
	items, err := h.store.QueueStalled(prefix, time.Duration(secs)*time.Second, 0)
	if err != nil {
		return nil, err
	}
	return itemKeyRows(items), nil
}

// QUEUE ORPHANED <orphanedTimeoutSeconds> <prefix>
func (h *Handler) queueOrphaned(c *cursor) (*Result, error) {
	secs, err := intArg(c, "orphaned timeout")
	if err != nil {
		return nil, err
	}
	prefix, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}
	items, err := h.store.QueueOrphaned(prefix, time.Duration(secs)*time.Second, 0)
	if err != nil {
		return nil, err
	}
	return itemKeyRows(items), nil
}

// QUEUE TO_CANCEL <stalledTimeoutSeconds> <orphanedTimeoutSeconds> <prefix>
func (h *Handler) queueToCancel(c *cursor) (*Result, error) {
	stalledSecs, err := intArg(c, "stalled timeout")
	if err != nil {
		return nil, err
	}
	orphanedSecs, err := intArg(c, "orphaned timeout")
	if err != nil {
		return nil, err
	}
	prefix, err := c.arg()
	if err != nil {
		return nil, err
	}
	if err := c.expectEnd(); err != nil {
		return nil, err
	}
	items, err := h.store.QueueToCancel(prefix,
		time.Duration(stalledSecs)*time.Second,
		time.Duration(orphanedSecs)*time.Second, 0)
	if err != nil {
		return nil, err
	}
	return itemKeyRows(items), nil
}

func itemKeyRows(items []*store.Item) *Result {
	out := &Result{Columns: []string{"id", "key"}}
	for _, it := range items {
		out.Rows = append(out.Rows, []*string{cell(strconv.FormatUint(it.ID, 10)), cell(it.Key)})
	}
	return out
}

func (h *Handler) cache(ctx context.Context, c *cursor) (*Result, error) {
	switch {
	case c.keyword("INCR"):
		key, err := singleArg(c)
		if err != nil {
			return nil, err
		}
		value, err := h.store.CacheIncr(ctx, key, 0)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: []string{"value"}, Rows: [][]*string{{cell(strconv.FormatInt(value, 10))}}}, nil

	case c.keyword("SET"):
		// CACHE SET [NX] TTL <seconds> <key> <value>
		nx := c.keyword("NX")
		if !c.keyword("TTL") {
			return nil, fmt.Errorf("command: CACHE SET requires TTL")
		}
		secs, err := intArg(c, "ttl")
		if err != nil {
			return nil, err
		}
		key, err := c.arg()
		if err != nil {
			return nil, err
		}
		value, err := c.arg()
		if err != nil {
			return nil, err
		}
		if err := c.expectEnd(); err != nil {
			return nil, err
		}
		ok, err := h.store.CacheSet(ctx, key, json.RawMessage(value), time.Duration(secs)*time.Second, nx, 0)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: []string{"success"}, Rows: [][]*string{{boolCell(ok)}}}, nil

	case c.keyword("GET"):
		key, err := singleArg(c)
		if err != nil {
			return nil, err
		}
		value, found, err := h.store.CacheGet(ctx, key, 0)
		if err != nil {
			return nil, err
		}
		out := &Result{Columns: []string{"value"}}
		if found {
			out.Rows = [][]*string{{jsonCell(value)}}
		}
		return out, nil

	case c.keyword("REMOVE"):
		key, err := singleArg(c)
		if err != nil {
			return nil, err
		}
		removed, err := h.store.CacheRemove(ctx, key, 0)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: []string{"removed"}, Rows: [][]*string{{boolCell(removed)}}}, nil

	case c.keyword("KEYS"):
		prefix, err := singleArg(c)
		if err != nil {
			return nil, err
		}
		keys, err := h.store.CacheKeys(ctx, prefix, 0)
		if err != nil {
			return nil, err
		}
		out := &Result{Columns: []string{"key"}}
		for _, k := range keys {
			out.Rows = append(out.Rows, []*string{cell(k)})
		}
		return out, nil
	}
	return nil, fmt.Errorf("command: unknown CACHE subcommand")
}

func singleArg(c *cursor) (string, error) {
	v, err := c.arg()
	if err != nil {
		return "", err
	}
	return v, c.expectEnd()
}

func intArg(c *cursor, what string) (int64, error) {
	v, err := c.arg()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("command: invalid %s %q", what, v)
	}
	return n, nil
}
