package connection

import (
	"math"
	"time"
)

// BackoffConfig parameterises the reconnect delay.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoffConfig returns 1s doubling up to 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       time.Second,
		Multiplier: 2.0,
		Max:        30 * time.Second,
	}
}

// ReconnectDelay returns min(Base * Multiplier^attempts, Max), where attempts is
// the number of reconnects already scheduled since the last successful open.
func ReconnectDelay(cfg BackoffConfig, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(cfg.Base) * math.Pow(mult, float64(attempts))
	if cfg.Max > 0 && d > float64(cfg.Max) {
		return cfg.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
