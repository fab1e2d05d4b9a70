// Package session owns the per-workspace conversation lifecycle: the active
// stream state, history compaction, post-compaction attachment re-injection,
// and recovery from context-window overflow.
//
// One Session is constructed per active workspace and destroyed on workspace
// teardown. Replays of external operations (reconnects, restarts) are made
// safe by operation-id deduplication rather than locking: every externally
// keyed action is guarded by an in-memory already-handled set.
package session
