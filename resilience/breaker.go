// Package resilience composes the fixed pipeline Timeout → Retry →
// Bulkhead → CircuitBreaker around an operation, with independent
// per-category configuration.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catga/catga/result"
)

// Operation is the unit of work the resilience stages wrap.
type Operation func(ctx context.Context) result.Result[any]

// BreakerState is the circuit breaker's current state.
type BreakerState int32

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes one named breaker.
type BreakerConfig struct {
	// FailureThreshold is the count of consecutive failures in Closed that
	// opens the breaker.
	FailureThreshold int
	// OpenDuration is how long the breaker rejects before permitting a
	// half-open trial.
	OpenDuration time.Duration
	// HalfOpenTrialPermits bounds concurrent trials in HalfOpen (default 1).
	HalfOpenTrialPermits int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenTrialPermits <= 0 {
		c.HalfOpenTrialPermits = 1
	}
	return c
}

// Breaker is a three-state circuit breaker: Closed → Open → HalfOpen →
// Closed. Transitions are serialized under one mutex; the state itself is
// kept in an atomic so readers never contend.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	state atomic.Int32

	mu               sync.Mutex
	consecutiveFails int
	openedAt         time.Time
	trialsInFlight   int
}

// NewBreaker returns a Closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// State returns the current state without taking the transition lock.
func (b *Breaker) State() BreakerState { return BreakerState(b.state.Load()) }

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// allow decides whether a call may proceed, transitioning Open → HalfOpen
// when the open interval has elapsed. It returns whether the call is a
// half-open trial.
func (b *Breaker) allow() (proceed, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch BreakerState(b.state.Load()) {
	case Closed:
		return true, false
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false, false
		}
		b.state.Store(int32(HalfOpen))
		b.trialsInFlight = 1
		breakerStateGauge.WithLabelValues(b.name).Set(float64(HalfOpen))
		return true, true
	default: // HalfOpen
		if b.trialsInFlight >= b.cfg.HalfOpenTrialPermits {
			return false, false
		}
		b.trialsInFlight++
		return true, true
	}
}

// record applies the outcome of a permitted call.
func (b *Breaker) record(success, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialsInFlight--
	}
	switch BreakerState(b.state.Load()) {
	case Closed:
		if success {
			b.consecutiveFails = 0
			return
		}
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		if success {
			b.state.Store(int32(Closed))
			b.consecutiveFails = 0
			b.trialsInFlight = 0
			breakerStateGauge.WithLabelValues(b.name).Set(float64(Closed))
		} else {
			b.trip()
		}
	case Open:
		// A late completion from before the trip; nothing to do.
	}
}

// trip moves to Open and restarts the open interval. Caller holds mu.
func (b *Breaker) trip() {
	b.state.Store(int32(Open))
	b.openedAt = b.now()
	b.consecutiveFails = 0
	b.trialsInFlight = 0
	breakerStateGauge.WithLabelValues(b.name).Set(float64(Open))
}

// Execute runs op under the breaker. Rejected calls fail with CircuitOpen
// and never reach op.
func (b *Breaker) Execute(ctx context.Context, op Operation) result.Result[any] {
	var proceed, trial = b.allow()
	if !proceed {
		return result.Fail[any](result.CircuitOpen, "circuit %q is open", b.name)
	}

	var r = op(ctx)
	b.record(breakerCountsAsSuccess(r), trial)
	return r
}

// breakerCountsAsSuccess classifies outcomes for the failure counter.
// Cancellation and validation failures say nothing about downstream health.
func breakerCountsAsSuccess(r result.Result[any]) bool {
	if r.OK() {
		return true
	}
	switch r.Code() {
	case result.Cancelled, result.ValidationFailed:
		return true
	}
	return false
}
