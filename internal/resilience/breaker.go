package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed CircuitState = iota
	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen
	// StateHalfOpen admits a single trial call.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig configures every per-key breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls.
	Cooldown time.Duration
	// CooldownMultiplier extends the cooldown each time a half-open trial fails.
	CooldownMultiplier float64
	// MaxCooldown caps the extended cooldown. Zero means no cap.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns 5 failures, 30s cooldown doubling up to 5m.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        5 * time.Minute,
	}
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	State      CircuitState
	Failures   int
	Cooldown   time.Duration
	RetryAfter time.Duration
}

// transition is a state change to report after the breaker lock is released.
type transition struct {
	from, to CircuitState
}

// breaker is the state for one key.
type breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	cooldown time.Duration
	until    time.Time
	trial    bool // half-open trial in flight
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, cooldown: cfg.Cooldown}
}

// allow decides whether a call may proceed. isTrial is set for the single
// half-open trial.
func (b *breaker) allow(key string, now time.Time) (isTrial bool, tr *transition, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil, nil

	case StateOpen:
		if now.Before(b.until) {
			return false, nil, &CircuitOpenError{Key: key, RetryAfter: b.until.Sub(now)}
		}
		tr = b.setLocked(StateHalfOpen)
		b.trial = true
		return true, tr, nil

	default: // StateHalfOpen
		if b.trial {
			return false, nil, &CircuitOpenError{Key: key}
		}
		b.trial = true
		return true, nil, nil
	}
}

// success closes the circuit and resets the counter and cooldown.
func (b *breaker) success() *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trial = false
	b.cooldown = b.cfg.Cooldown
	return b.setLocked(StateClosed)
}

// failure counts a failed call and opens the circuit when needed.
func (b *breaker) failure(now time.Time, isTrial bool) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && isTrial {
		b.trial = false
		b.cooldown = b.extendedCooldown()
		b.until = now.Add(b.cooldown)
		return b.setLocked(StateOpen)
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
		b.until = now.Add(b.cooldown)
		return b.setLocked(StateOpen)
	}
	return nil
}

// release gives back a trial slot without recording an outcome.
func (b *breaker) release(isTrial bool) {
	if !isTrial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *breaker) status(now time.Time) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BreakerStatus{
		State:    b.state,
		Failures: b.failures,
		Cooldown: b.cooldown,
	}
	if b.state == StateOpen {
		if now.Before(b.until) {
			st.RetryAfter = b.until.Sub(now)
		} else {
			// Becomes half-open on the next call.
			st.State = StateHalfOpen
		}
	}
	return st
}

func (b *breaker) extendedCooldown() time.Duration {
	mult := b.cfg.CooldownMultiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(b.cooldown) * mult)
	if b.cfg.MaxCooldown > 0 && next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	return next
}

func (b *breaker) setLocked(state CircuitState) *transition {
	if b.state == state {
		return nil
	}
	tr := &transition{from: b.state, to: state}
	b.state = state
	return tr
}
