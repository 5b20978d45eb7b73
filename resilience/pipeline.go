package resilience

import (
	"context"
	"time"

	"github.com/catga/catga/result"
)

// Config is the per-category resilience configuration. The stage order is
// fixed: Timeout wraps Retry wraps Bulkhead wraps CircuitBreaker.
type Config struct {
	Timeout  time.Duration
	Retry    RetryConfig
	Bulkhead BulkheadConfig
	Breaker  BreakerConfig
}

// Pipeline is the composed resilience wrapper for one category of work
// (mediator, transport-publish, transport-send, persistence).
type Pipeline struct {
	name     string
	timeout  time.Duration
	retry    RetryConfig
	bulkhead *Bulkhead
	breaker  *Breaker
}

// NewPipeline builds the composed pipeline named name.
func NewPipeline(name string, cfg Config) *Pipeline {
	return &Pipeline{
		name:     name,
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		bulkhead: NewBulkhead(cfg.Bulkhead),
		breaker:  NewBreaker(name, cfg.Breaker),
	}
}

// Breaker exposes the pipeline's breaker for observation.
func (p *Pipeline) Breaker() *Breaker { return p.breaker }

// Execute runs op through every stage.
func (p *Pipeline) Execute(ctx context.Context, op Operation) result.Result[any] {
	return WithTimeout(ctx, p.timeout, func(ctx context.Context) result.Result[any] {
		return Retry(ctx, p.retry, func(ctx context.Context) result.Result[any] {
			return p.bulkhead.Execute(ctx, func(ctx context.Context) result.Result[any] {
				return p.breaker.Execute(ctx, op)
			})
		})
	})
}

// WithTimeout bounds op by d (no bound when d <= 0), cancelling the
// underlying operation and failing with Timeout on expiry.
func WithTimeout(ctx context.Context, d time.Duration, op Operation) result.Result[any] {
	if d <= 0 {
		return op(ctx)
	}
	var tctx, cancel = context.WithTimeout(ctx, d)
	defer cancel()

	var r = op(tctx)
	if !r.OK() && r.Code() == result.Cancelled && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The deadline, not the caller, cancelled the operation.
		return result.FailErr[any](result.Timeout, tctx.Err(), "operation exceeded %s", d)
	}
	return r
}
