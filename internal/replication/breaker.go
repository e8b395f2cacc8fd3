package replication

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a destination's breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// #region state
// BreakerState is the breaker position.
type BreakerState int

const (
	// BreakerClosed passes calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits a bounded number of trial calls.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
// #endregion state

// #region config
// BreakerConfig configures one per-destination breaker.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`
	// SuccessThreshold is trial successes needed to close from half-open.
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=1"`
	// OpenDuration is the cooldown before half-open trials.
	OpenDuration time.Duration `yaml:"open_duration" validate:"gt=0"`
	// HalfOpenMax bounds concurrent trial calls.
	HalfOpenMax int `yaml:"half_open_max" validate:"gte=1"`
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	}
}
// #endregion config

// #region breaker
// BreakerStats is a point-in-time view for status endpoints.
type BreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Breaker isolates one destination.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	halfOpenActive  int
	lastStateChange time.Time
	onChange        func(BreakerState)

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewBreaker returns a closed breaker. now may be nil.
func NewBreaker(config BreakerConfig, now func() time.Time) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{config: config, now: now, state: BreakerClosed, lastStateChange: now()}
}

// State returns the current position, promoting open to half-open once the cooldown has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveLocked()
}

func (b *Breaker) effectiveLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.lastStateChange) >= b.config.OpenDuration {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. The returned release func must be
// called when the call finishes if it is non-nil.
func (b *Breaker) Allow() (bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++

	switch b.state {
	case BreakerClosed:
		return true, nil
	case BreakerOpen:
		if b.now().Sub(b.lastStateChange) >= b.config.OpenDuration {
			b.transitionTo(BreakerHalfOpen)
			return b.tryHalfOpen()
		}
		b.totalRejections++
		return false, nil
	case BreakerHalfOpen:
		return b.tryHalfOpen()
	}
	return false, nil
}

func (b *Breaker) tryHalfOpen() (bool, func()) {
	if b.halfOpenActive >= b.config.HalfOpenMax {
		b.totalRejections++
		return false, nil
	}
	b.halfOpenActive++
	return true, func() {
		b.mu.Lock()
		if b.halfOpenActive > 0 {
			b.halfOpenActive--
		}
		b.mu.Unlock()
	}
}

// RecordSuccess closes a half-open breaker once enough trials pass.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(BreakerClosed)
		}
	}
}

// RecordFailure opens the breaker after the threshold, or immediately from half-open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	b.failures++
	b.successes = 0
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	}
}

func (b *Breaker) transitionTo(s BreakerState) {
	b.state = s
	b.lastStateChange = b.now()
	b.failures = 0
	b.successes = 0
	if s != BreakerHalfOpen {
		b.halfOpenActive = 0
	}
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	ok, release := b.Allow()
	if !ok {
		return ErrCircuitOpen
	}
	if release != nil {
		defer release()
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Stats snapshots the counters. State is reported the same way State does.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:           b.effectiveLocked().String(),
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		CurrentFailures: b.failures,
		LastStateChange: b.lastStateChange,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(BreakerClosed)
}
// #endregion breaker
