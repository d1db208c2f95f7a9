// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, transitions and reconnect attempts
//   - Message rates, routing latency and parse errors per channel
//   - Subscription counts (active and pending)
//   - Order event outcomes and resync activity
package metrics
