// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, reconnects and frame rates
//   - Dispatch deliveries, callback failures and parse errors
//   - Notifications by level
//   - Circuit breaker state and retry attempts
//   - Archive batch writes
//
// All methods are safe to call on a nil *Metrics, so components can take an
// optional metrics sink without guarding every call site.
package metrics
