// Package sync implements the offline synchronization engine: a durable
// priority queue of local mutations and the engine that drains it
// against the server of record when connectivity allows.
//
// Flow:
//  1. A domain action (or the intake watcher) enqueues a mutation
//  2. Queue persists it to SQLite before Enqueue returns
//  3. NetworkMonitor/Engine trigger a drain
//  4. Each item is pushed to the transport in priority order
//  5. Per-item outcomes: ok -> synced, transient error -> failed with
//     a backoff window, version conflict -> handed to the conflict
//     resolver and cross-referenced
//
// The engine enforces two single-flight invariants: at most one drain
// is in progress globally, and at most one item per entity uuid is in
// syncing state at any time.
package sync
