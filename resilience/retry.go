package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/catga/catga/result"
)

// RetryConfig tunes the retry stage.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget including the first call.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each backoff interval.
	Jitter float64
	// RetryOnConflict additionally retries ConcurrencyConflict failures.
	// Only the flow engine's CAS loop sets this.
	RetryOnConflict bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	return c
}

// Retry runs op up to cfg.MaxAttempts times, backing off exponentially with
// jitter between attempts. Only transient failure codes are retried, and
// never after ctx is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, op Operation) result.Result[any] {
	cfg = cfg.withDefaults()

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // attempts are the budget, not elapsed time
	bo.Reset()

	var r result.Result[any]
	for attempt := 1; ; attempt++ {
		r = op(ctx)
		if r.OK() || attempt >= cfg.MaxAttempts || !retryable(r.Code(), cfg) {
			return r
		}
		select {
		case <-ctx.Done():
			return result.FailErr[any](result.Cancelled, ctx.Err(), "cancelled between retry attempts")
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func retryable(code result.Code, cfg RetryConfig) bool {
	if code == result.ConcurrencyConflict {
		return cfg.RetryOnConflict
	}
	return code.Transient()
}
