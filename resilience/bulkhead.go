package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/catga/catga/result"
)

// BulkheadConfig bounds concurrent work for one category.
type BulkheadConfig struct {
	// MaxConcurrency is the number of operations allowed in flight.
	MaxConcurrency int
	// QueueLimit is how many callers may wait for a slot before new
	// arrivals are rejected with Overloaded.
	QueueLimit int
}

func (c BulkheadConfig) withDefaults() BulkheadConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 64
	}
	if c.QueueLimit < 0 {
		c.QueueLimit = 0
	}
	return c
}

// Bulkhead bounds in-flight operations with a weighted semaphore and a
// bounded wait queue.
type Bulkhead struct {
	sem        *semaphore.Weighted
	queueLimit int64
	queued     atomic.Int64
}

// NewBulkhead returns a Bulkhead per cfg.
func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	cfg = cfg.withDefaults()
	return &Bulkhead{
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		queueLimit: int64(cfg.QueueLimit),
	}
}

// Execute runs op when a slot is free. At concurrency == MaxConcurrency
// with QueueLimit callers already waiting, the next call fails Overloaded.
func (b *Bulkhead) Execute(ctx context.Context, op Operation) result.Result[any] {
	if !b.sem.TryAcquire(1) {
		if b.queued.Add(1) > b.queueLimit {
			b.queued.Add(-1)
			return result.Fail[any](result.Overloaded, "bulkhead queue limit reached")
		}
		var err = b.sem.Acquire(ctx, 1)
		b.queued.Add(-1)
		if err != nil {
			return result.FailErr[any](result.Cancelled, err, "cancelled waiting for bulkhead slot")
		}
	}
	defer b.sem.Release(1)
	return op(ctx)
}
