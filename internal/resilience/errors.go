package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// CircuitOpenError is returned without calling the function while the breaker
// for Key is open.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration // zero while a half-open trial is in flight
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %q open, retry after %s", e.Key, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit %q open", e.Key)
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryExhaustedError carries the last error after every attempt failed.
type RetryExhaustedError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts failed: %v", e.Key, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRetryExhausted) match.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// notAttemptedError marks a call that gave up before reaching the dependency.
type notAttemptedError struct {
	err error
}

func (e *notAttemptedError) Error() string   { return e.err.Error() }
func (e *notAttemptedError) Unwrap() error   { return e.err }
func (e *notAttemptedError) Retryable() bool { return false }

// NotAttempted marks err as a local failure that happened before the
// dependency was contacted, such as a rate limiter refusing to wait. It is not
// retried and does not count against the circuit breaker. A nil err stays nil.
func NotAttempted(err error) error {
	if err == nil {
		return nil
	}
	return &notAttemptedError{err: err}
}

func isNotAttempted(err error) bool {
	var na *notAttemptedError
	return errors.As(err, &na)
}

// IsRetryable reports whether the retry loop should try again after err.
// Cancellation and errors whose chain carries Retryable() == false are not
// retried; everything else is, including a per-attempt deadline.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
