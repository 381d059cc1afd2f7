// Package session manages the lifetime of authenticated sessions.
//
// # Overview
//
// The Manager is both an authentication provider (cookie-backed sessions
// resumed by token) and the persistence layer the orchestrator hands
// sessions from other providers to. Records live in a Store (in-memory or
// Redis) keyed by the token's hash; the plaintext token is returned to the
// caller exactly once.
//
// # Lifecycle
//
// Sessions expire lazily: expiry is observed at the next read, removed
// there, and every later read reports the same inactive result. A live
// session can be extended by RefreshToken or by the auto-refresh loop,
// which slides the expiry one full session window forward from the moment
// of refresh. An expired session is never revived.
//
// # Cross-Instance Sync
//
// Instances sharing a store announce creations, refreshes and signouts over
// a Broadcaster. Every event carries the origin's identity and a
// monotonically increasing sequence number; receivers discard events that
// arrive out of order instead of applying stale state.
package session
