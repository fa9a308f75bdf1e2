// Package api provides the REST client for the operations backend.
//
// Every request runs through a resilience.Executor keyed "api-"+path, so each
// endpoint has its own circuit breaker, and through a token-bucket rate limiter
// shared by all endpoints. 4xx responses other than 408 and 429 are not retried.
package api
