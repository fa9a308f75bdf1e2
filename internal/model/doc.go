// Package model defines the event, notification and control-frame types shared by the
// connection, subscription, dispatch and notify packages.
//
// Conventions:
//   - Events are values. Once parsed they are never mutated; the dispatcher hands each
//     subscriber its own copy.
//   - Payloads are a closed set of variants keyed by event type. Unknown server-side
//     types decode into UnknownPayload with the raw JSON preserved.
//   - Timestamps are time.Time in UTC. The wire accepts RFC 3339 strings or Unix
//     milliseconds.
package model
