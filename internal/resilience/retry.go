package resilience

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines the retry behavior for a wrapped call.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// BackoffMultiplier scales the wait after each further failure.
	BackoffMultiplier float64
	// MaxDelay caps the wait.
	MaxDelay time.Duration
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt limit.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s doubling up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	}
}

// WithMaxAttempts sets the maximum number of attempts.
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	p.MaxAttempts = n
	return p
}

// WithBaseDelay sets the base delay.
func (p RetryPolicy) WithBaseDelay(d time.Duration) RetryPolicy {
	p.BaseDelay = d
	return p
}

// WithMaxDelay sets the maximum delay.
func (p RetryPolicy) WithMaxDelay(d time.Duration) RetryPolicy {
	p.MaxDelay = d
	return p
}

// WithAttemptTimeout sets the timeout for each attempt.
func (p RetryPolicy) WithAttemptTimeout(d time.Duration) RetryPolicy {
	p.AttemptTimeout = d
	return p
}

// Delay returns the wait after the given failed attempt (1-based):
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, fails permanently or runs out of attempts.
func (e *Executor) retry(ctx context.Context, key string, p RetryPolicy, fn Func) error {
	attempts := p.attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.attempt(ctx, p, fn)
		if err == nil {
			e.metrics.RetryAttempt(key, "success")
			return nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsRetryable(err) {
			e.metrics.RetryAttempt(key, "abort")
			e.logger.Debug("non-retryable error", "key", key, "attempt", attempt, "error", err)
			return err
		}
		if attempt == attempts {
			e.metrics.RetryAttempt(key, "exhausted")
			break
		}

		e.metrics.RetryAttempt(key, "retry")
		delay := p.Delay(attempt)
		e.logger.Debug("retrying",
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &RetryExhaustedError{Key: key, Attempts: attempts, Err: lastErr}
}

func (e *Executor) attempt(ctx context.Context, p RetryPolicy, fn Func) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}
