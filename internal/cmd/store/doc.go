// Package storerun exposes a shared Run entrypoint used by the CLI to
// start the coordination store: a Pebble-backed queue/cache engine behind
// the binary protocol server, handling lifecycle and shutdown.
package storerun
