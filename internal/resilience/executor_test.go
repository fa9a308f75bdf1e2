package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sleepRecorder records backoff waits without sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(threshold int, cooldown time.Duration) (*Executor, *fakeClock, *sleepRecorder) {
	clock := newFakeClock()
	sleeps := &sleepRecorder{}
	cfg := Config{
		Breaker: BreakerConfig{
			FailureThreshold:   threshold,
			Cooldown:           cooldown,
			CooldownMultiplier: 2,
			MaxCooldown:        4 * cooldown,
		},
		Retry: RetryPolicy{MaxAttempts: 1},
	}
	e := NewExecutor(cfg, nil, WithClock(clock.Now), WithSleep(sleeps.sleep))
	return e, clock, sleeps
}

func failing(calls *int) Func {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	e, _, _ := newTestExecutor(3, 10*time.Second)

	calls := 0
	wrapped := e.Wrap(failing(&calls), "api-/x", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := wrapped(ctx)
		require.ErrorIs(t, err, errBoom)
	}

	err := wrapped(ctx)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "api-/x", open.Key)
	assert.Equal(t, 10*time.Second, open.RetryAfter)
	assert.Equal(t, 3, calls, "fn must not be called while open")
	assert.Equal(t, StateOpen, e.State("api-/x"))
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	e, _, _ := newTestExecutor(3, time.Second)
	ctx := context.Background()

	fail := true
	fn := e.Wrap(func(context.Context) error {
		if fail {
			return errBoom
		}
		return nil
	}, "k", nil)

	_ = fn(ctx)
	_ = fn(ctx)
	fail = false
	require.NoError(t, fn(ctx))
	fail = true
	_ = fn(ctx)
	_ = fn(ctx)

	assert.Equal(t, StateClosed, e.State("k"))
	assert.Equal(t, 2, e.Snapshot()["k"].Failures)
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	e, clock, _ := newTestExecutor(1, 10*time.Second)
	ctx := context.Background()

	calls := 0
	require.Error(t, e.Do(ctx, "k", nil, failing(&calls)))
	require.Equal(t, StateOpen, e.State("k"))

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, e.Do(ctx, "k", nil, failing(&calls)), ErrCircuitOpen)
	assert.Equal(t, 1, calls)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, e.State("k"))

	require.NoError(t, e.Do(ctx, "k", nil, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, e.State("k"))
}

func TestBreaker_HalfOpenTrialFailureExtendsCooldown(t *testing.T) {
	e, clock, _ := newTestExecutor(1, 10*time.Second)
	ctx := context.Background()
	calls := 0

	require.Error(t, e.Do(ctx, "k", nil, failing(&calls)))

	wantCooldowns := []time.Duration{20 * time.Second, 40 * time.Second, 40 * time.Second}
	cooldown := 10 * time.Second
	for _, want := range wantCooldowns {
		clock.Advance(cooldown)
		err := e.Do(ctx, "k", nil, failing(&calls))
		require.ErrorIs(t, err, errBoom, "trial call runs fn")

		st := e.Snapshot()["k"]
		assert.Equal(t, StateOpen, st.State)
		assert.Equal(t, want, st.Cooldown)
		cooldown = want
	}
	assert.Equal(t, 4, calls)
}

func TestBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	e, clock, _ := newTestExecutor(1, time.Second)
	ctx := context.Background()
	calls := 0
	require.Error(t, e.Do(ctx, "k", nil, failing(&calls)))
	clock.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, "k", nil, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := e.Do(ctx, "k", nil, failing(&calls))
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Zero(t, open.RetryAfter)
	assert.Equal(t, 1, calls)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, e.State("k"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	e, _, _ := newTestExecutor(1, time.Minute)
	ctx := context.Background()
	calls := 0

	require.Error(t, e.Do(ctx, "api-/a", nil, failing(&calls)))
	assert.ErrorIs(t, e.Do(ctx, "api-/a", nil, failing(&calls)), ErrCircuitOpen)
	assert.NoError(t, e.Do(ctx, "api-/b", nil, func(context.Context) error { return nil }))

	assert.Equal(t, StateClosed, e.State("api-/b"))
	assert.Equal(t, StateClosed, e.State("never-used"))
	assert.Len(t, e.Snapshot(), 2)
}

func TestRetry_BackoffAndExhaustion(t *testing.T) {
	e, _, sleeps := newTestExecutor(10, time.Second)

	policy := RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          5 * time.Second,
	}

	calls := 0
	err := e.Do(context.Background(), "k", &policy, failing(&calls))

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, sleeps.delays)

	// The whole wrapped call counts as one breaker failure.
	assert.Equal(t, 1, e.Snapshot()["k"].Failures)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	e, _, sleeps := newTestExecutor(3, time.Second)
	policy := DefaultRetryPolicy()

	calls := 0
	v, err := Call(context.Background(), e, "k", &policy, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errBoom
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps.delays, 2)
	assert.Equal(t, 0, e.Snapshot()["k"].Failures)
}

type statusError struct{ code int }

func (e statusError) Error() string   { return "status" }
func (e statusError) Retryable() bool { return e.code >= 500 }

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent", Permanent(errBoom)},
		{"retryable false", statusError{code: 400}},
		{"wrapped retryable false", errors.Join(errors.New("ctx"), statusError{code: 404})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, sleeps := newTestExecutor(10, time.Second)
			policy := DefaultRetryPolicy()

			calls := 0
			err := e.Do(context.Background(), "k", &policy, func(context.Context) error {
				calls++
				return tt.err
			})

			assert.Equal(t, 1, calls)
			assert.Empty(t, sleeps.delays)
			assert.Equal(t, tt.err, err)
			assert.False(t, errors.Is(err, ErrRetryExhausted))
		})
	}
}

func TestRetry_CancellationNotCountedAsFailure(t *testing.T) {
	e, _, _ := newTestExecutor(1, time.Minute)
	policy := DefaultRetryPolicy()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, "k", &policy, func(context.Context) error {
		calls++
		cancel()
		return errBoom
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, e.State("k"))

	// An already-cancelled context never reaches fn.
	err = e.Do(ctx, "k", &policy, failing(&calls))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetry_NotAttemptedNotCountedAsFailure(t *testing.T) {
	e, _, sleeps := newTestExecutor(1, time.Minute)
	policy := DefaultRetryPolicy()

	calls := 0
	err := e.Do(context.Background(), "k", &policy, func(context.Context) error {
		calls++
		return NotAttempted(errBoom)
	})

	assert.ErrorIs(t, err, errBoom)
	assert.False(t, errors.Is(err, ErrRetryExhausted))
	assert.Equal(t, 1, calls, "not retried")
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, StateClosed, e.State("k"))
	assert.Equal(t, 0, e.Snapshot()["k"].Failures)
	assert.Nil(t, NotAttempted(nil))
}

func TestRetry_CancelDuringBackoffWait(t *testing.T) {
	e := NewExecutor(Config{
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
		Retry:   RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, BackoffMultiplier: 2},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	calls := 0
	go func() {
		done <- e.Do(ctx, "k", nil, failing(&calls))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("backoff wait ignored cancellation")
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, e.State("k"))
}

func TestRetry_CancelledTrialReleasesSlot(t *testing.T) {
	e, clock, _ := newTestExecutor(1, time.Second)
	calls := 0
	require.Error(t, e.Do(context.Background(), "k", nil, failing(&calls)))
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := e.Do(ctx, "k", nil, func(context.Context) error {
		cancel()
		return errBoom
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, e.State("k"))

	require.NoError(t, e.Do(context.Background(), "k", nil, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, e.State("k"))
}

func TestRetry_AttemptTimeoutIsRetried(t *testing.T) {
	e, _, _ := newTestExecutor(5, time.Second)
	policy := RetryPolicy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}

	calls := 0
	err := e.Do(context.Background(), "k", &policy, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 2, calls)
}

func TestStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var got []string
	e := NewExecutor(Config{
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Second},
		Retry:   RetryPolicy{MaxAttempts: 1},
	}, nil, WithClock(clock.Now), WithStateChangeHook(func(key string, from, to CircuitState) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	}))

	calls := 0
	_ = e.Do(context.Background(), "k", nil, failing(&calls))
	clock.Advance(time.Second)
	_ = e.Do(context.Background(), "k", nil, func(context.Context) error { return nil })

	assert.Equal(t, []string{"k:closed->open", "k:open->half_open", "k:half_open->closed"}, got)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 3, MaxDelay: 2 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, 2 * time.Second},
		{50, 2 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errBoom))
	assert.False(t, IsRetryable(Permanent(errBoom)))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(statusError{code: 503}))
	assert.Nil(t, Permanent(nil))
}
