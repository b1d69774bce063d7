// Package daemon coordinates the long-running harvester process.
//
// It wires the status store, broker consumer, dispatcher and harvest machine
// into one lifecycle with flock-based locking to prevent multiple instances
// on the same data directory. While running it drives the worker pool, the
// HTTP API that receives transfer webhooks and serves job queries, and a
// janitor that purges expired status records.
//
// Keep orchestration here. Job semantics live in dispatch, item semantics in
// harvest.
package daemon
