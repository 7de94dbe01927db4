// Package cancelable models cooperative cancellation for long-running
// operations: a Token carries deferred cleanup callbacks and child
// operations, a Promise wraps an async operation with that token, and
// RetryWithTimeout drives retry loops under an overall deadline.
//
// Cancellation is cooperative. Loops must check Token.IsCanceled (or select
// on Token.Done) at iteration boundaries; nothing forcibly interrupts
// in-flight I/O.
package cancelable
