package redistransport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/catga/catga/transport"
)

func newTransport(t *testing.T) *Transport {
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var tr = New(client, Config{Block: 50 * time.Millisecond, ClaimInterval: 100 * time.Millisecond})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestStreamKeyDerivation(t *testing.T) {
	require.Equal(t, "catga:stream:acme.Order", streamKey("catga.event.acme.Order"))
	require.Equal(t, "catga:stream:acme.Create", streamKey("catga.request.acme.Create"))
}

func TestPublishDeliversToGroup(t *testing.T) {
	var tr = newTransport(t)

	var received atomic.Int64
	var sub, err = tr.Subscribe(transport.EventSubject("acme.Placed"), "acme.Placed", func(ctx context.Context, d transport.Delivery) ([]byte, error) {
		require.EqualValues(t, 11, d.MessageID)
		require.Equal(t, []byte("body"), d.Payload)
		received.Add(1)
		return nil, nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, tr.Publish(context.Background(), transport.Context{
		MessageID:   11,
		MessageType: "acme.Placed",
	}, []byte("body")))

	require.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	var tr = newTransport(t)

	var received atomic.Int64
	var handler = func(ctx context.Context, d transport.Delivery) ([]byte, error) {
		received.Add(1)
		return nil, nil
	}
	var s1, _ = tr.Subscribe(transport.EventSubject("acme.Once"), "acme.Once", handler)
	defer s1.Unsubscribe()
	var s2, _ = tr.Subscribe(transport.EventSubject("acme.Once"), "acme.Once", handler)
	defer s2.Unsubscribe()

	require.NoError(t, tr.Publish(context.Background(), transport.Context{MessageType: "acme.Once"}, []byte("x")))

	require.Eventually(t, func() bool { return received.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, received.Load())
}

func TestSendAndReceive(t *testing.T) {
	var tr = newTransport(t)

	var sub, err = tr.Subscribe(transport.RequestSubject("acme.Echo"), "acme.Echo", func(ctx context.Context, d transport.Delivery) ([]byte, error) {
		return append([]byte("re:"), d.Payload...), nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var reply, serr = tr.SendAndReceive(context.Background(), transport.Context{
		MessageID:   21,
		MessageType: "acme.Echo",
	}, []byte("ping"), 5*time.Second)
	require.NoError(t, serr)
	require.Equal(t, []byte("re:ping"), reply)
}

func TestSendTimeoutWithoutSubscriber(t *testing.T) {
	var tr = newTransport(t)

	var _, err = tr.SendAndReceive(context.Background(), transport.Context{
		MessageType: "acme.Nobody",
	}, []byte("ping"), 200*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
