package mediator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catga/catga"
	"github.com/catga/catga/codec"
	"github.com/catga/catga/dlock"
	"github.com/catga/catga/dlq"
	"github.com/catga/catga/idempotency"
	"github.com/catga/catga/pipeline"
	"github.com/catga/catga/resilience"
	"github.com/catga/catga/result"
	"github.com/catga/catga/transport"
)

type createOrder struct {
	catga.Base
	ProductID string `json:"productId"`
	Qty       int    `json:"qty"`
}

func (createOrder) MessageAttributes() catga.Attributes {
	return catga.Attributes{Idempotent: true}
}

type orderCreated struct {
	catga.EventBase
	OrderID string `json:"orderId"`
}

type leaderCmd struct {
	catga.Base
}

func (leaderCmd) MessageAttributes() catga.Attributes {
	return catga.Attributes{LeaderOnly: true}
}

type singletonCmd struct {
	catga.Base
}

func (singletonCmd) MessageAttributes() catga.Attributes {
	return catga.Attributes{ClusterSingleton: true}
}

func TestSendHappyPathWithIdempotentReplay(t *testing.T) {
	var inbox = idempotency.NewMemoryStore(idempotency.DefaultShardCount)
	defer inbox.Close()

	var m = New(Options{},
		pipeline.Tracing{},
		pipeline.Logging{},
		pipeline.Idempotency{Store: inbox, Codec: codec.JSON{}},
	)
	var handled atomic.Int64
	require.NoError(t, RegisterRequest(m, func(ctx context.Context, req createOrder) result.Result[orderCreated] {
		handled.Add(1)
		require.Equal(t, "C1", catga.CorrelationFrom(ctx))
		return result.Ok(orderCreated{OrderID: fmt.Sprintf("ord-%s-%d", req.ProductID, req.Qty)})
	}))

	var ctx = context.Background()
	var req = createOrder{Base: catga.Base{ID: 1001, CorrelationID: "C1"}, ProductID: "P1", Qty: 2}

	var r = Send[orderCreated](ctx, m, req)
	require.True(t, r.OK())
	require.Equal(t, "ord-P1-2", r.Value().OrderID)
	require.EqualValues(t, 1, handled.Load())

	// Same message id replays the cached value without re-invoking.
	var replay = Send[orderCreated](ctx, m, req)
	require.True(t, replay.OK())
	require.Equal(t, "ord-P1-2", replay.Value().OrderID)
	require.EqualValues(t, 1, handled.Load())
	var tag, _ = replay.Metadata().Get("catga.idempotency")
	require.Equal(t, "duplicate", tag)
}

func TestSendUnregisteredAndDuplicateRegistration(t *testing.T) {
	var m = New(Options{})
	var r = Send[orderCreated](context.Background(), m, createOrder{})
	require.Equal(t, result.HandlerNotFound, r.Code())

	require.NoError(t, RegisterRequest(m, func(ctx context.Context, req createOrder) result.Result[orderCreated] {
		return result.Ok(orderCreated{})
	}))
	require.Error(t, RegisterRequest(m, func(ctx context.Context, req createOrder) result.Result[orderCreated] {
		return result.Ok(orderCreated{})
	}))
}

func TestSendCancelledContext(t *testing.T) {
	var m = New(Options{})
	require.NoError(t, RegisterRequest(m, func(ctx context.Context, req createOrder) result.Result[orderCreated] {
		return result.Ok(orderCreated{})
	}))

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.Equal(t, result.Cancelled, Send[orderCreated](ctx, m, createOrder{}).Code())
}

func TestPublishFanOutPartialFailure(t *testing.T) {
	var deadLetters = dlq.NewMemoryQueue()
	var m = New(Options{DLQ: deadLetters}, pipeline.Logging{})

	var ranA, ranC atomic.Int64
	require.NoError(t, RegisterEvent(m, "A", func(ctx context.Context, ev orderCreated) result.Result[catga.Void] {
		ranA.Add(1)
		return result.Ok(catga.Void{})
	}))
	require.NoError(t, RegisterEvent(m, "B", func(ctx context.Context, ev orderCreated) result.Result[catga.Void] {
		return result.Fail[catga.Void](result.HandlerFailed, "downstream")
	}))
	require.NoError(t, RegisterEvent(m, "C", func(ctx context.Context, ev orderCreated) result.Result[catga.Void] {
		ranC.Add(1)
		return result.Ok(catga.Void{})
	}))

	var ev = orderCreated{EventBase: catga.EventBase{Base: catga.Base{ID: 42}}, OrderID: "O1"}
	var r = m.Publish(context.Background(), ev)
	require.Equal(t, result.PartialEventFailure, r.Code())
	require.EqualValues(t, 1, ranA.Load())
	require.EqualValues(t, 1, ranC.Load())
	var msg, ok = r.Metadata().Get("failed:B")
	require.True(t, ok)
	require.Equal(t, "downstream", msg)

	var rec, found, err = deadLetters.Get(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, rec.LastError, "B: downstream")
}

type flakyShipment struct {
	catga.EventBase
}

func (flakyShipment) MessageAttributes() catga.Attributes {
	return catga.Attributes{Retry: &catga.RetryAttr{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}}
}

// The dead-letter record carries the real delivery count from the retry
// stage, not a placeholder.
func TestDeadLetterRecordsAttemptCount(t *testing.T) {
	var deadLetters = dlq.NewMemoryQueue()
	var m = New(Options{DLQ: deadLetters},
		pipeline.Logging{},
		pipeline.NewResilience(resilience.Config{
			Timeout: time.Second,
			Breaker: resilience.BreakerConfig{FailureThreshold: 100, OpenDuration: time.Minute},
		}),
	)

	var calls atomic.Int64
	require.NoError(t, RegisterEvent(m, "carrier", func(ctx context.Context, ev flakyShipment) result.Result[catga.Void] {
		calls.Add(1)
		return result.Fail[catga.Void](result.TransportFailed, "carrier down")
	}))

	var r = m.Publish(context.Background(), flakyShipment{EventBase: catga.EventBase{Base: catga.Base{ID: 77}}})
	require.Equal(t, result.PartialEventFailure, r.Code())
	require.EqualValues(t, 3, calls.Load())

	var rec, found, err = deadLetters.Get(context.Background(), 77)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 3, rec.Attempts)
	require.Contains(t, rec.LastError, "carrier down")
}

func TestPublishIsolatesPanickingHandler(t *testing.T) {
	var m = New(Options{})
	var survived atomic.Int64
	require.NoError(t, RegisterEvent(m, "panicky", func(ctx context.Context, ev orderCreated) result.Result[catga.Void] {
		panic("boom")
	}))
	require.NoError(t, RegisterEvent(m, "steady", func(ctx context.Context, ev orderCreated) result.Result[catga.Void] {
		survived.Add(1)
		return result.Ok(catga.Void{})
	}))

	var r = m.Publish(context.Background(), orderCreated{})
	require.Equal(t, result.PartialEventFailure, r.Code())
	require.EqualValues(t, 1, survived.Load())
}

func TestPublishNoSubscribersSucceeds(t *testing.T) {
	var m = New(Options{})
	require.True(t, m.Publish(context.Background(), orderCreated{}).OK())
}

func TestLeaderOnlyRouting(t *testing.T) {
	var m = New(Options{Leader: StaticLeader(false)})
	require.NoError(t, RegisterRequest(m, func(ctx context.Context, req leaderCmd) result.Result[catga.Void] {
		return result.Ok(catga.Void{})
	}))
	require.Equal(t, result.NotLeader, Send[catga.Void](context.Background(), m, leaderCmd{}).Code())

	var leaderNode = New(Options{Leader: StaticLeader(true)})
	require.NoError(t, RegisterRequest(leaderNode, func(ctx context.Context, req leaderCmd) result.Result[catga.Void] {
		return result.Ok(catga.Void{})
	}))
	require.True(t, Send[catga.Void](context.Background(), leaderNode, leaderCmd{}).OK())
}

func TestClusterSingletonGate(t *testing.T) {
	var locker = dlock.NewMemoryLocker()
	var m = New(Options{Locker: locker})
	require.NoError(t, RegisterRequest(m, func(ctx context.Context, req singletonCmd) result.Result[catga.Void] {
		return result.Ok(catga.Void{})
	}))

	// Another node holds the singleton lock.
	var key = "singleton:" + codec.TypeNameOf(singletonCmd{})
	var h, err = locker.TryAcquire(context.Background(), key, time.Minute, 0)
	require.NoError(t, err)

	require.Equal(t, result.LockFailed, Send[catga.Void](context.Background(), m, singletonCmd{}).Code())

	require.NoError(t, locker.Release(context.Background(), h))
	require.True(t, Send[catga.Void](context.Background(), m, singletonCmd{}).OK())
}

func TestRemoteRequestRoundTrip(t *testing.T) {
	var bus = transport.NewInProcess(8)
	defer bus.Close()

	var server = New(Options{Transport: bus})
	require.NoError(t, RegisterRequest(server, func(ctx context.Context, req createOrder) result.Result[orderCreated] {
		return result.Ok(orderCreated{OrderID: "remote-" + req.ProductID})
	}))
	require.NoError(t, server.BindTransport())
	defer server.Close()

	var client = New(Options{Transport: bus, SendTimeout: 2 * time.Second})
	require.NoError(t, RegisterRemoteRequest[createOrder, orderCreated](client))

	var r = Send[orderCreated](context.Background(), client, createOrder{Base: catga.Base{ID: 7}, ProductID: "P9", Qty: 1})
	require.True(t, r.OK(), "remote send failed: %v", r.Err())
	require.Equal(t, "remote-P9", r.Value().OrderID)
}

func TestRemoteBusinessFailureCrossesWire(t *testing.T) {
	var bus = transport.NewInProcess(8)
	defer bus.Close()

	var server = New(Options{Transport: bus})
	require.NoError(t, RegisterRequest(server, func(ctx context.Context, req createOrder) result.Result[orderCreated] {
		return result.Fail[orderCreated](result.ValidationFailed, "qty must be positive")
	}))
	require.NoError(t, server.BindTransport())
	defer server.Close()

	var client = New(Options{Transport: bus})
	require.NoError(t, RegisterRemoteRequest[createOrder, orderCreated](client))

	var r = Send[orderCreated](context.Background(), client, createOrder{Qty: -1})
	require.Equal(t, result.ValidationFailed, r.Code())
	require.Equal(t, "qty must be positive", r.Err().Message)
}

func TestRemoteEventFanOut(t *testing.T) {
	var bus = transport.NewInProcess(8)
	defer bus.Close()

	var subscriber = New(Options{Transport: bus})
	var got = make(chan string, 1)
	require.NoError(t, RegisterEvent(subscriber, "audit", func(ctx context.Context, ev orderCreated) result.Result[catga.Void] {
		got <- ev.OrderID
		return result.Ok(catga.Void{})
	}))
	require.NoError(t, subscriber.BindTransport())
	defer subscriber.Close()

	var publisher = New(Options{Transport: bus})
	var r = publisher.Publish(context.Background(), orderCreated{EventBase: catga.EventBase{Base: catga.Base{ID: 9}}, OrderID: "O-remote"})
	require.True(t, r.OK())

	select {
	case id := <-got:
		require.Equal(t, "O-remote", id)
	case <-time.After(2 * time.Second):
		t.Fatal("remote subscriber did not receive the event")
	}
}

func TestShardedRoutingForwardsNonOwnedKeys(t *testing.T) {
	var owned atomic.Int64
	var m = New(Options{Shards: ownNothing{}})
	require.NoError(t, RegisterRequest(m, func(ctx context.Context, req shardedCmd) result.Result[catga.Void] {
		owned.Add(1)
		return result.Ok(catga.Void{})
	}))

	// Not the owner and no transport: the dispatch must not run locally.
	var r = Send[catga.Void](context.Background(), m, shardedCmd{TenantID: "t-1"})
	require.Equal(t, result.TransportFailed, r.Code())
	require.Zero(t, owned.Load())

	var local = New(Options{Shards: ownEverything{}})
	require.NoError(t, RegisterRequest(local, func(ctx context.Context, req shardedCmd) result.Result[catga.Void] {
		owned.Add(1)
		return result.Ok(catga.Void{})
	}))
	require.True(t, Send[catga.Void](context.Background(), local, shardedCmd{TenantID: "t-1"}).OK())
	require.EqualValues(t, 1, owned.Load())
}

type shardedCmd struct {
	catga.Base
	TenantID string
}

func (shardedCmd) MessageAttributes() catga.Attributes {
	return catga.Attributes{ShardKey: "TenantID"}
}

type ownNothing struct{}

func (ownNothing) Owns(string) bool { return false }

type ownEverything struct{}

func (ownEverything) Owns(string) bool { return true }

func TestStaticShardsConsistent(t *testing.T) {
	var members = []string{"n1", "n2", "n3"}
	var owners = make(map[string]int)
	for _, self := range members {
		var s = StaticShards{Members: members, Self: self}
		for _, key := range []string{"a", "b", "c", "d", "e"} {
			if s.Owns(key) {
				owners[key]++
			}
		}
	}
	// Every key has exactly one owner.
	for key, n := range owners {
		require.Equal(t, 1, n, "key %s", key)
	}
	require.Len(t, owners, 5)
}

func TestLockLeaderElection(t *testing.T) {
	var locker = dlock.NewMemoryLocker()

	var ctx, cancel = context.WithCancel(context.Background())
	var first = NewLockLeader(locker, "cluster-leader", time.Second)
	go first.Start(ctx)

	require.Eventually(t, func() bool { return first.IsLeader(ctx) }, 2*time.Second, 10*time.Millisecond)

	// A second elector cannot win while the first holds the lock.
	var ctx2, cancel2 = context.WithCancel(context.Background())
	defer cancel2()
	var second = NewLockLeader(locker, "cluster-leader", time.Second)
	go second.Start(ctx2)
	time.Sleep(100 * time.Millisecond)
	require.False(t, second.IsLeader(ctx2))

	// The first resigns; the second takes over.
	cancel()
	<-first.Done()
	require.Eventually(t, func() bool { return second.IsLeader(ctx2) }, 3*time.Second, 20*time.Millisecond)
}
