// Package observability provides structured logging and Prometheus metrics
// for the authrelay authentication core.
//
// Logging uses stdlib slog with a JSON handler wrapped in a small Logger
// type that supports field chaining and context propagation. Metrics cover
// authentication attempts, session lifecycle events and the HTTP surface.
package observability
