package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catga/catga/result"
)

func failOp(code result.Code) Operation {
	return func(context.Context) result.Result[any] {
		return result.Fail[any](code, "boom")
	}
}

func okOp(ctx context.Context) result.Result[any] { return result.Ok[any]("done") }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	var b = NewBreaker("orders", BreakerConfig{FailureThreshold: 3, OpenDuration: 500 * time.Millisecond})
	var ctx = context.Background()

	for i := 0; i < 3; i++ {
		var r = b.Execute(ctx, failOp(result.TransportFailed))
		require.Equal(t, result.TransportFailed, r.Code())
	}
	require.Equal(t, Open, b.State())

	var r = b.Execute(ctx, okOp)
	require.Equal(t, result.CircuitOpen, r.Code())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	var now = time.Unix(1000, 0)
	var b = NewBreaker("t", BreakerConfig{FailureThreshold: 3, OpenDuration: 500 * time.Millisecond})
	b.now = func() time.Time { return now }
	var ctx = context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failOp(result.Timeout))
	}
	require.Equal(t, Open, b.State())

	// Before the open interval elapses, calls are rejected.
	require.Equal(t, result.CircuitOpen, b.Execute(ctx, okOp).Code())

	// After openDuration one trial passes through; success closes.
	now = now.Add(500 * time.Millisecond)
	require.True(t, b.Execute(ctx, okOp).OK())
	require.Equal(t, Closed, b.State())

	// Success resets the consecutive-failure counter.
	b.Execute(ctx, failOp(result.Timeout))
	b.Execute(ctx, okOp)
	b.Execute(ctx, failOp(result.Timeout))
	b.Execute(ctx, failOp(result.Timeout))
	require.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	var now = time.Unix(1000, 0)
	var b = NewBreaker("t", BreakerConfig{FailureThreshold: 1, OpenDuration: time.Second})
	b.now = func() time.Time { return now }
	var ctx = context.Background()

	b.Execute(ctx, failOp(result.Timeout))
	require.Equal(t, Open, b.State())

	now = now.Add(time.Second)
	require.Equal(t, result.Timeout, b.Execute(ctx, failOp(result.Timeout)).Code())
	require.Equal(t, Open, b.State())

	// The open interval restarted at the failed trial.
	require.Equal(t, result.CircuitOpen, b.Execute(ctx, okOp).Code())
	now = now.Add(time.Second)
	require.True(t, b.Execute(ctx, okOp).OK())
}

func TestBreakerHalfOpenPermitBound(t *testing.T) {
	var now = time.Unix(1000, 0)
	var b = NewBreaker("t", BreakerConfig{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenTrialPermits: 1})
	b.now = func() time.Time { return now }
	var ctx = context.Background()

	b.Execute(ctx, failOp(result.Timeout))
	now = now.Add(time.Second)

	var started = make(chan struct{})
	var release = make(chan struct{})
	var trialDone = make(chan result.Result[any], 1)
	go func() {
		trialDone <- b.Execute(ctx, func(context.Context) result.Result[any] {
			close(started)
			<-release
			return result.Ok[any](nil)
		})
	}()
	<-started

	// The single permit is in use; a second call is rejected.
	require.Equal(t, result.CircuitOpen, b.Execute(ctx, okOp).Code())

	close(release)
	require.True(t, (<-trialDone).OK())
	require.Equal(t, Closed, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	var b = NewBreaker("t", BreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute})
	var ctx = context.Background()

	b.Execute(ctx, failOp(result.Cancelled))
	b.Execute(ctx, failOp(result.ValidationFailed))
	require.Equal(t, Closed, b.State())
}

func TestRetryOnlyTransient(t *testing.T) {
	var ctx = context.Background()
	var cfg = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	var calls int
	var r = Retry(ctx, cfg, func(context.Context) result.Result[any] {
		calls++
		return result.Fail[any](result.TransportFailed, "flaky")
	})
	require.Equal(t, result.TransportFailed, r.Code())
	require.Equal(t, 3, calls)

	calls = 0
	r = Retry(ctx, cfg, func(context.Context) result.Result[any] {
		calls++
		return result.Fail[any](result.ValidationFailed, "bad input")
	})
	require.Equal(t, 1, calls)

	calls = 0
	r = Retry(ctx, cfg, func(context.Context) result.Result[any] {
		calls++
		if calls < 3 {
			return result.Fail[any](result.Timeout, "slow")
		}
		return result.Ok[any]("recovered")
	})
	require.True(t, r.OK())
	require.Equal(t, 3, calls)
}

func TestRetryConflictOnlyWhenConfigured(t *testing.T) {
	var ctx = context.Background()

	var calls int
	Retry(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) result.Result[any] {
		calls++
		return result.Fail[any](result.ConcurrencyConflict, "cas lost")
	})
	require.Equal(t, 1, calls)

	calls = 0
	Retry(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, RetryOnConflict: true}, func(context.Context) result.Result[any] {
		calls++
		return result.Fail[any](result.ConcurrencyConflict, "cas lost")
	})
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	var calls int
	var r = Retry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}, func(context.Context) result.Result[any] {
		calls++
		cancel()
		return result.Fail[any](result.TransportFailed, "down")
	})
	require.Equal(t, result.Cancelled, r.Code())
	require.Equal(t, 1, calls)
}

func TestTimeoutStage(t *testing.T) {
	var r = WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) result.Result[any] {
		select {
		case <-ctx.Done():
			return result.FailErr[any](result.Cancelled, ctx.Err(), "interrupted")
		case <-time.After(time.Second):
			return result.Ok[any]("too late")
		}
	})
	require.Equal(t, result.Timeout, r.Code())

	r = WithTimeout(context.Background(), time.Second, okOp)
	require.True(t, r.OK())
}

func TestBulkheadOverflow(t *testing.T) {
	var bh = NewBulkhead(BulkheadConfig{MaxConcurrency: 2, QueueLimit: 1})
	var ctx = context.Background()

	var release = make(chan struct{})
	var inFlight sync.WaitGroup
	var results = make(chan result.Code, 4)

	for i := 0; i < 2; i++ {
		inFlight.Add(1)
		go func() {
			results <- bh.Execute(ctx, func(context.Context) result.Result[any] {
				inFlight.Done()
				<-release
				return result.Ok[any](nil)
			}).Code()
		}()
	}
	inFlight.Wait()

	// One caller may queue...
	var queuedDone = make(chan result.Code, 1)
	go func() {
		queuedDone <- bh.Execute(ctx, okOp).Code()
	}()
	// give the queued caller time to enter the wait
	time.Sleep(20 * time.Millisecond)

	// ...and the next is rejected.
	require.Equal(t, result.Overloaded, bh.Execute(ctx, okOp).Code())

	close(release)
	require.Equal(t, result.Code(""), <-queuedDone)
	require.Equal(t, result.Code(""), <-results)
	require.Equal(t, result.Code(""), <-results)
}

func TestBulkheadBoundsConcurrency(t *testing.T) {
	var bh = NewBulkhead(BulkheadConfig{MaxConcurrency: 4, QueueLimit: 100})
	var ctx = context.Background()
	var current, max atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bh.Execute(ctx, func(context.Context) result.Result[any] {
				var c = current.Add(1)
				for {
					var m = max.Load()
					if c <= m || max.CompareAndSwap(m, c) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)
				return result.Ok[any](nil)
			})
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, max.Load(), int32(4))
}

func TestPipelineComposition(t *testing.T) {
	var p = NewPipeline("mediator", Config{
		Timeout: time.Second,
		Retry:   RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Breaker: BreakerConfig{FailureThreshold: 100, OpenDuration: time.Minute},
	})

	var calls int
	var r = p.Execute(context.Background(), func(context.Context) result.Result[any] {
		calls++
		if calls == 1 {
			return result.Fail[any](result.TransportFailed, "first try")
		}
		return result.Ok[any]("second try")
	})
	require.True(t, r.OK())
	require.Equal(t, 2, calls)
	require.Equal(t, Closed, p.Breaker().State())
}
