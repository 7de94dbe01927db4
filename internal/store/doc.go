// Package store implements the coordination store engine: the queue state
// machine and row cache behind the textual QUEUE/CACHE command surface.
//
// All state lives in Pebble under two top-level prefixes:
//
//	q/{queue}/item/{id}        - queue item record (status, payload, extra)
//	q/{queue}/pend/{prio}{seq} - pending index, highest priority first
//	q/{queue}/act/{id}         - active set
//	q/{queue}/res/{id}         - stored results awaiting pickup
//	qid/{seq}                  - queue-id to full key mapping
//	qseq                       - queue-id counter
//	c/{key}                    - cache rows with optional TTL
//
// # Item lifecycle
//
//  1. Add: item written pending, indexed by priority; duplicate keys return
//     the existing id (added=0).
//  2. Retrieve: admission-checked against the per-queue concurrency limit;
//     on success the item moves pending -> active and gains a heartbeat.
//  3. Processing: heartbeats refresh the active record; MERGE_EXTRA patches
//     the payload's extra fields atomically inside the store.
//  4. Ack: result stored, item removed, blocked result waiters woken.
//  5. Reconciliation: STALLED / ORPHANED / TO_CANCEL scans surface items
//     whose heartbeat lapsed or that sat unprogressed past their deadline.
//
// The store, not its clients, enforces that a given item is active at most
// once and that retrieval respects the concurrency cap. Clients stay
// stateless with respect to cross-process coordination.
package store
