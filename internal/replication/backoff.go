package replication

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig drives the retry queue.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	Base        float64       `yaml:"base" validate:"gt=1"`
	Unit        time.Duration `yaml:"unit" validate:"gt=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"gt=0"`
	// JitterFraction is the upper bound of the uniform jitter as a share of the backoff.
	JitterFraction float64       `yaml:"jitter_fraction" validate:"gte=0,lte=1"`
	DrainInterval  time.Duration `yaml:"drain_interval" validate:"gt=0"`
	// DrainRate caps retry writes per second across all destinations.
	DrainRate  float64 `yaml:"drain_rate" validate:"gt=0"`
	DrainBurst int     `yaml:"drain_burst" validate:"gte=1"`
}

// DefaultRetryConfig returns the defaults: 1s·2^n capped at 5m, 8 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    8,
		Base:           2,
		Unit:           time.Second,
		MaxBackoff:     5 * time.Minute,
		JitterFraction: 0.1,
		DrainInterval:  5 * time.Second,
		DrainRate:      20,
		DrainBurst:     10,
	}
}

// Check rejects configs where the cap would flatten the curve before the last attempt.
func (c RetryConfig) Check() error {
	if c.Base <= 1 || c.Unit <= 0 || c.MaxAttempts < 1 {
		return fmt.Errorf("retry: base must exceed 1, unit and max_attempts must be positive")
	}
	top := float64(c.Unit) * math.Pow(c.Base, float64(c.MaxAttempts))
	if top > float64(c.MaxBackoff) {
		return fmt.Errorf("retry: unit·base^max_attempts (%s) exceeds max_backoff %s",
			time.Duration(top), c.MaxBackoff)
	}
	return nil
}

// CalculateBackoff returns min(maxBackoff, unit·base^attempts) without jitter.
func CalculateBackoff(c RetryConfig, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(c.Unit) * math.Pow(c.Base, float64(attempts))
	if math.IsInf(d, 0) || d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Jitter returns a uniform duration in [0, fraction·d).
func Jitter(d time.Duration, fraction float64, rnd *rand.Rand) time.Duration {
	span := int64(float64(d) * fraction)
	if span <= 0 {
		return 0
	}
	if rnd == nil {
		return time.Duration(rand.Int64N(span))
	}
	return time.Duration(rnd.Int64N(span))
}

// nextAttempt schedules the following retry relative to now.
func nextAttempt(c RetryConfig, attempts int, now time.Time, rnd *rand.Rand) time.Time {
	b := CalculateBackoff(c, attempts)
	return now.Add(b + Jitter(b, c.JitterFraction, rnd))
}
