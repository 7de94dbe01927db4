package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// AddResult is the outcome of QueueAdd.
type AddResult struct {
	Added   bool
	ID      uint64
	Pending int
	AddedMs int64
}

// RetrieveResult is the outcome of QueueRetrieve.
type RetrieveResult struct {
	Retrieved bool
	ID        uint64
	Active    []string
	Pending   int
	Payload   json.RawMessage
	Extra     json.RawMessage
}

// joinKey rebuilds the full client-facing key from its parts.
func joinKey(queue, id string) string {
	if id == "" {
		return queue
	}
	return queue + ":" + id
}

// QueueAdd inserts a pending item, or reports the existing one when the key
// is already queued. Adding is the only operation that assigns queue ids.
// orphanedTimeout of 0 leaves the orphan deadline to sweep-time defaults.
// nowMs <= 0 uses the wall clock.
func (s *Store) QueueAdd(ctx context.Context, key string, payload json.RawMessage, priority int64, orphanedTimeout time.Duration, nowMs int64) (AddResult, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	queue, id := SplitKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.loadItem(queue, id); err != nil {
		return AddResult{}, err
	} else if ok {
		pending, perr := s.pendingCountLocked(queue)
		if perr != nil {
			return AddResult{}, perr
		}
		return AddResult{Added: false, ID: existing.ID, Pending: pending, AddedMs: existing.AddedMs}, nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	seq, err := s.nextSeqLocked(ctx, b)
	if err != nil {
		return AddResult{}, err
	}

	it := &Item{
		ID:          seq,
		Key:         key,
		Status:      StatusPending,
		Priority:    priority,
		AddedMs:     nowMs,
		HeartbeatMs: nowMs,
		Seq:         seq,
		Payload:     payload,
	}
	if orphanedTimeout > 0 {
		it.OrphanedMs = nowMs + orphanedTimeout.Milliseconds()
	}
	enc, err := encodeItem(it)
	if err != nil {
		return AddResult{}, err
	}
	if err := b.Set(itemKey(queue, id), enc, nil); err != nil {
		return AddResult{}, err
	}
	if err := b.Set(pendKey(queue, priority, seq), []byte(id), nil); err != nil {
		return AddResult{}, err
	}
	if err := b.Set(queueIDKey(seq), []byte(key), nil); err != nil {
		return AddResult{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return AddResult{}, err
	}

	pending, err := s.pendingCountLocked(queue)
	if err != nil {
		return AddResult{}, err
	}
	return AddResult{Added: true, ID: seq, Pending: pending, AddedMs: nowMs}, nil
}

// QueueRetrieve attempts to move the addressed item from pending to active.
// The store refuses to hand out work when the queue already has concurrency
// active items, which is the cluster-wide admission control point. The
// active list and pending count are reported either way.
func (s *Store) QueueRetrieve(ctx context.Context, handle string, concurrency int, nowMs int64) (*RetrieveResult, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, id, ok, err := s.resolveKey(handle)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	active, err := s.activeListLocked(queue)
	if err != nil {
		return nil, err
	}
	pending, err := s.pendingCountLocked(queue)
	if err != nil {
		return nil, err
	}

	it, found, err := s.loadItem(queue, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	res := &RetrieveResult{ID: it.ID, Active: active, Pending: pending}
	if it.Status != StatusPending || len(active) >= concurrency {
		return res, nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	it.Status = StatusActive
	it.HeartbeatMs = nowMs
	enc, err := encodeItem(it)
	if err != nil {
		return nil, err
	}
	if err := b.Set(itemKey(queue, id), enc, nil); err != nil {
		return nil, err
	}
	if err := b.Delete(pendKey(queue, it.Priority, it.Seq), nil); err != nil {
		return nil, err
	}
	if err := b.Set(activeKey(queue, id), nil, nil); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}

	res.Retrieved = true
	res.Active = append(active, id)
	res.Pending = pending - 1
	res.Payload = it.Payload
	res.Extra = it.Extra
	return res, nil
}

// QueueAck stores the result for an item, removes the item, and wakes every
// caller blocked on the result. Returns false when the item no longer
// exists (double ack, or canceled underneath the worker).
func (s *Store) QueueAck(ctx context.Context, handle string, result json.RawMessage, nowMs int64) (bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, id, ok, err := s.resolveKey(handle)
	if err != nil || !ok {
		return false, err
	}
	it, found, err := s.loadItem(queue, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	rec, err := json.Marshal(resultRecord{Value: result, AddedMs: nowMs})
	if err != nil {
		return false, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.removeItemInto(b, queue, id, it); err != nil {
		return false, err
	}
	if err := b.Set(resultKey(queue, id), rec, nil); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}

	s.notifyResultLocked(joinKey(queue, id), result)
	return true, nil
}

// QueueCancel removes an item without storing a result and returns the
// removed item, or nil when nothing was queued under the handle.
func (s *Store) QueueCancel(ctx context.Context, handle string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, id, ok, err := s.resolveKey(handle)
	if err != nil || !ok {
		return nil, err
	}
	it, found, err := s.loadItem(queue, id)
	if err != nil || !found {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.removeItemInto(b, queue, id, it); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return it, nil
}

// removeItemInto deletes the item record and every index entry for it.
func (s *Store) removeItemInto(b *pebble.Batch, queue, id string, it *Item) error {
	if err := b.Delete(itemKey(queue, id), nil); err != nil {
		return err
	}
	if err := b.Delete(pendKey(queue, it.Priority, it.Seq), nil); err != nil {
		return err
	}
	if err := b.Delete(activeKey(queue, id), nil); err != nil {
		return err
	}
	return b.Delete(queueIDKey(it.Seq), nil)
}

// QueueGet returns the item for a handle without changing its state.
func (s *Store) QueueGet(handle string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, id, ok, err := s.resolveKey(handle)
	if err != nil || !ok {
		return nil, err
	}
	it, _, err := s.loadItem(queue, id)
	return it, err
}

// QueueHeartbeat refreshes the liveness timestamp of an active item.
func (s *Store) QueueHeartbeat(ctx context.Context, handle string, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, id, ok, err := s.resolveKey(handle)
	if err != nil || !ok {
		return err
	}
	it, found, err := s.loadItem(queue, id)
	if err != nil || !found {
		return err
	}
	it.HeartbeatMs = nowMs
	enc, err := encodeItem(it)
	if err != nil {
		return err
	}
	return s.db.Set(itemKey(queue, id), enc)
}

// QueueMergeExtra patches the item's extra fields with a shallow JSON merge
// performed inside the store, so concurrent patchers never lose writes to a
// client-side read-modify-write race.
func (s *Store) QueueMergeExtra(ctx context.Context, handle string, patch json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, id, ok, err := s.resolveKey(handle)
	if err != nil || !ok {
		return false, err
	}
	it, found, err := s.loadItem(queue, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	merged, err := mergeExtra(it.Extra, patch)
	if err != nil {
		return false, err
	}
	it.Extra = merged
	enc, err := encodeItem(it)
	if err != nil {
		return false, err
	}
	if err := s.db.Set(itemKey(queue, id), enc); err != nil {
		return false, err
	}
	return true, nil
}

// QueueResult returns and consumes the stored result for a handle.
func (s *Store) QueueResult(ctx context.Context, handle string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, id, ok, err := s.resolveKey(handle)
	if err != nil || !ok {
		return nil, false, err
	}
	return s.consumeResultLocked(queue, id)
}

// QueueResultBlocking waits up to timeout for the item's result, consuming
// it when already stored. A (nil, false) return means "still not ready, ask
// again" - the server-side long poll that keeps clients from busy-looping.
func (s *Store) QueueResultBlocking(ctx context.Context, handle string, timeout time.Duration) (json.RawMessage, bool, error) {
	queue, id, ok, err := s.resolveKey(handle)
	if err != nil || !ok {
		return nil, false, err
	}
	full := joinKey(queue, id)

	// Register before checking so an ack between the check and the wait
	// cannot be missed.
	ch := s.registerWaiter(full)
	defer s.unregisterWaiter(full, ch)

	s.mu.Lock()
	value, found, err := s.consumeResultLocked(queue, id)
	s.mu.Unlock()
	if err != nil || found {
		return value, found, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// consumeResultLocked fetches and deletes a stored result. Caller holds s.mu.
func (s *Store) consumeResultLocked(queue, id string) (json.RawMessage, bool, error) {
	raw, found, err := s.db.GetFound(resultKey(queue, id))
	if err != nil || !found {
		return nil, false, err
	}
	var rec resultRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("store: decode result for %q: %w", joinKey(queue, id), err)
	}
	if err := s.db.Delete(resultKey(queue, id)); err != nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// pendingCountLocked counts pending items for a queue. Caller holds s.mu.
func (s *Store) pendingCountLocked(queue string) (int, error) {
	prefix := pendPrefix(queue)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	count := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		count++
	}
	return count, nil
}

// activeListLocked returns ids of active items, oldest first by id order.
// Caller holds s.mu.
func (s *Store) activeListLocked(queue string) ([]string, error) {
	prefix := activePrefix(queue)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var ids []string
	for ok := iter.First(); ok; ok = iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	return ids, nil
}

// listItems loads all items for a queue, optionally filtered by status.
func (s *Store) listItems(queue, status string) ([]*Item, error) {
	prefix := itemPrefix(queue)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var items []*Item
	for ok := iter.First(); ok; ok = iter.Next() {
		it, err := decodeItem(iter.Value())
		if err != nil {
			return nil, err
		}
		if status == "" || it.Status == status {
			items = append(items, it)
		}
	}
	return items, nil
}

// QueueListActive lists items currently being processed.
func (s *Store) QueueListActive(queue string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listItems(queue, StatusActive)
}

// QueueListPending lists items waiting to be processed, highest priority
// first and FIFO within a priority: the pending index keys sort that way,
// so an ascending walk over them is the processing order.
func (s *Store) QueueListPending(queue string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := pendPrefix(queue)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var items []*Item
	for ok := iter.First(); ok; ok = iter.Next() {
		it, found, err := s.loadItem(queue, string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if !found || it.Status != StatusPending {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// QueueList lists every item for a queue.
func (s *Store) QueueList(queue string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listItems(queue, "")
}

// QueueStalled lists active items whose heartbeat is older than the timeout,
// meaning their worker likely died mid-processing.
func (s *Store) QueueStalled(queue string, heartbeatTimeout time.Duration, nowMs int64) ([]*Item, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.listItems(queue, StatusActive)
	if err != nil {
		return nil, err
	}
	cutoff := nowMs - heartbeatTimeout.Milliseconds()
	var out []*Item
	for _, it := range items {
		if it.HeartbeatMs <= cutoff {
			out = append(out, it)
		}
	}
	return out, nil
}

// QueueOrphaned lists items that sat unprogressed past their orphan
// deadline. Items carrying their own deadline use it; the rest fall back to
// defaultTimeout from their last progress timestamp.
func (s *Store) QueueOrphaned(queue string, defaultTimeout time.Duration, nowMs int64) ([]*Item, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.listItems(queue, "")
	if err != nil {
		return nil, err
	}
	var out []*Item
	for _, it := range items {
		if orphanedAt(it, defaultTimeout) <= nowMs {
			out = append(out, it)
		}
	}
	return out, nil
}

// QueueToCancel lists items eligible for cancellation: stalled actives plus
// orphaned items of any status.
func (s *Store) QueueToCancel(queue string, stalledTimeout, orphanedTimeout time.Duration, nowMs int64) ([]*Item, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.listItems(queue, "")
	if err != nil {
		return nil, err
	}
	stalledCutoff := nowMs - stalledTimeout.Milliseconds()
	var out []*Item
	for _, it := range items {
		if it.Status == StatusActive && it.HeartbeatMs <= stalledCutoff {
			out = append(out, it)
			continue
		}
		if orphanedAt(it, orphanedTimeout) <= nowMs {
			out = append(out, it)
		}
	}
	return out, nil
}

// orphanedAt returns the absolute ms deadline after which the item counts as
// orphaned.
func orphanedAt(it *Item, defaultTimeout time.Duration) int64 {
	if it.OrphanedMs > 0 {
		return it.OrphanedMs
	}
	last := it.AddedMs
	if it.HeartbeatMs > last {
		last = it.HeartbeatMs
	}
	return last + defaultTimeout.Milliseconds()
}
