package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/opsstream/internal/metrics"
)

// Func is an outbound call guarded by the Executor.
type Func func(ctx context.Context) error

// Config configures an Executor.
type Config struct {
	Breaker BreakerConfig
	// Retry is used when Wrap is given a nil policy.
	Retry RetryPolicy
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Breaker: DefaultBreakerConfig(),
		Retry:   DefaultRetryPolicy(),
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics reports breaker states and retry attempts to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep replaces the backoff wait. fn must return ctx.Err() when ctx ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithStateChangeHook is called after every breaker transition.
func WithStateChangeHook(fn func(key string, from, to CircuitState)) Option {
	return func(e *Executor) { e.onStateChange = fn }
}

// Executor holds the per-key breakers shared by all callers. Breakers are
// created on first use and live as long as the Executor.
type Executor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	onStateChange func(key string, from, to CircuitState)

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Breaker.FailureThreshold < 1 {
		cfg.Breaker.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}

	e := &Executor{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wrap returns fn guarded by the breaker for key and a retry loop using
// policy, or the executor's default policy when policy is nil.
func (e *Executor) Wrap(fn Func, key string, policy *RetryPolicy) Func {
	p := e.cfg.Retry
	if policy != nil {
		p = *policy
	}
	return func(ctx context.Context) error {
		return e.execute(ctx, key, p, fn)
	}
}

// Do runs fn once through Wrap.
func (e *Executor) Do(ctx context.Context, key string, policy *RetryPolicy, fn Func) error {
	return e.Wrap(fn, key, policy)(ctx)
}

// Call runs a value-returning fn through e. The value of the last successful
// attempt is returned.
func Call[T any](ctx context.Context, e *Executor, key string, policy *RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, key, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (e *Executor) execute(ctx context.Context, key string, p RetryPolicy, fn Func) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := e.breaker(key)
	isTrial, tr, err := b.allow(key, e.now())
	e.report(key, tr)
	if err != nil {
		e.logger.Debug("circuit open, failing fast", "key", key)
		return err
	}

	err = e.retry(ctx, key, p, fn)
	switch {
	case err == nil:
		e.report(key, b.success())
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// The caller gave up; the outcome says nothing about the dependency.
		b.release(isTrial)
	case isNotAttempted(err):
		b.release(isTrial)
	default:
		e.report(key, b.failure(e.now(), isTrial))
	}
	return err
}

// State returns the current state for key. Unknown keys are closed.
func (e *Executor) State(key string) CircuitState {
	e.mu.Lock()
	b, ok := e.breakers[key]
	e.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.status(e.now()).State
}

// Snapshot returns the status of every breaker created so far.
func (e *Executor) Snapshot() map[string]BreakerStatus {
	e.mu.Lock()
	keys := make(map[string]*breaker, len(e.breakers))
	for k, b := range e.breakers {
		keys[k] = b
	}
	e.mu.Unlock()

	now := e.now()
	out := make(map[string]BreakerStatus, len(keys))
	for k, b := range keys {
		out[k] = b.status(now)
	}
	return out
}

func (e *Executor) breaker(key string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[key]
	if !ok {
		b = newBreaker(e.cfg.Breaker)
		e.breakers[key] = b
	}
	return b
}

func (e *Executor) report(key string, tr *transition) {
	if tr == nil {
		return
	}

	e.metrics.SetBreakerState(key, tr.to.String())
	if tr.to == StateOpen {
		e.logger.Warn("circuit opened", "key", key, "from", tr.from.String())
	} else {
		e.logger.Info("circuit state changed", "key", key, "from", tr.from.String(), "to", tr.to.String())
	}
	if e.onStateChange != nil {
		e.onStateChange(key, tr.from, tr.to)
	}
}
