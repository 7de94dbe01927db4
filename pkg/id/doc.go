// Package id provides process-scoped identity primitives for strata.
//
// # Request IDs
//
// ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence], so
// byte-wise comparison preserves chronological order and IDs generated within
// the same millisecond remain strictly increasing by sequence. The Generator
// guarantees per-process monotonicity even across clock regressions.
//
// # Process UID
//
// ProcessUID distinguishes persistent queue keys produced by different engine
// processes. It is explicit state owned by whoever constructs it (typically
// once per process at startup), never an ambient global, so tests can run
// several "processes" side by side.
//
// Usage
//
//	g := id.NewGenerator()
//	rid := g.Next().String()
//	uid := id.NewProcessUID()
package id
