// Package metrics provides operational metrics collection for the chat
// service.
//
// # Metric Categories
//
//   - Sessions: live connections per room, joins and leaves
//   - Fan-out: frames delivered and failed per frame type
//   - Messages: persisted and rejected chat messages
//   - Liveness: heartbeat pings sent and failed
//   - HTTP: request counts and latency per route
//   - Client: reconnect attempts by outcome
//
// Collectors live in a package registry exposed in Prometheus text format by
// Handler. Recording functions register lazily so they are safe to call from
// tests without setup.
package metrics
