// Package poller implements the dependency health poller.
//
// The poller:
//   - Runs every registered probe on a fixed interval, and once at start
//   - Bounds concurrent probes and gives each one its own timeout
//   - Raises a persistent error notification when a dependency starts failing
//     and a success notification when it recovers
package poller
