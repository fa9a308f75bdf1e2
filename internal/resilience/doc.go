// Package resilience guards outbound calls with a per-key circuit breaker
// wrapped around a bounded retry loop.
//
// A wrapped call passes the breaker gate first. An open breaker fails fast
// with *CircuitOpenError and the underlying function is not called. Otherwise
// the retry loop runs and its final outcome is recorded against the key once.
//
// Every attempt and every backoff wait observes the caller's context. A
// cancelled call returns the context error and does not count as a failure.
package resilience
