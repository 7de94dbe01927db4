// Package gate provides in-process admission primitives: a counting Semaphore
// with FIFO waiters, a Mutex built on it, and a bounded SetQueue that applies
// backpressure to producers while capping concurrent execution.
//
// These gates limit how much work a single process issues concurrently. They
// do not provide cross-process exclusion; that is the coordination store's
// job (see internal/store).
package gate
