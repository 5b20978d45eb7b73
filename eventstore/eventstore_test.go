package eventstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func ev(typ string) EventEnvelope {
	return EventEnvelope{Type: typ, Payload: []byte(typ)}
}

func TestAppendAssignsDenseSequences(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	var v, err = store.Append(ctx, "order-1", []EventEnvelope{ev("Created"), ev("Paid")}, NoStream)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	v, err = store.Append(ctx, "order-1", []EventEnvelope{ev("Shipped")}, 2)
	require.NoError(t, err)
	require.EqualValues(t, 3, v)

	var events, rerr = store.Read(ctx, "order-1", 0, 0)
	require.NoError(t, rerr)
	require.Len(t, events, 3)
	for i, e := range events {
		require.EqualValues(t, i+1, e.Sequence)
		require.False(t, e.Timestamp.IsZero())
	}
}

func TestAppendVersionConflicts(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	var _, err = store.Append(ctx, "s", []EventEnvelope{ev("A")}, NoStream)
	require.NoError(t, err)

	_, err = store.Append(ctx, "s", []EventEnvelope{ev("B")}, NoStream)
	require.ErrorIs(t, err, ErrStreamExists)

	_, err = store.Append(ctx, "s", []EventEnvelope{ev("B")}, 0)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = store.Append(ctx, "s", []EventEnvelope{ev("B")}, 1)
	require.NoError(t, err)
}

func TestConcurrentAppendSingleWinnerPerVersion(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()
	var wins, conflicts atomic.Int64
	var wg sync.WaitGroup

	store.Append(ctx, "hot", []EventEnvelope{ev("Init")}, NoStream)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var _, err = store.Append(ctx, "hot", []EventEnvelope{ev("X")}, 1)
			if err == nil {
				wins.Add(1)
			} else {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 15, conflicts.Load())
}

func TestReadRange(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	var batch []EventEnvelope
	for i := 1; i <= 10; i++ {
		batch = append(batch, ev(fmt.Sprintf("E%d", i)))
	}
	store.Append(ctx, "s", batch, NoStream)

	var events, _ = store.Read(ctx, "s", 3, 6)
	require.Len(t, events, 4)
	require.EqualValues(t, 3, events[0].Sequence)
	require.EqualValues(t, 6, events[3].Sequence)

	events, _ = store.Read(ctx, "s", 8, 0)
	require.Len(t, events, 3)

	events, _ = store.Read(ctx, "missing", 0, 0)
	require.Empty(t, events)
}

func TestSnapshotRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	var _, ok, err = store.LoadSnapshot(ctx, "s")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SaveSnapshot(ctx, "s", []byte(`{"total":7}`), 42))
	var snap, ok2, _ = store.LoadSnapshot(ctx, "s")
	require.True(t, ok2)
	require.EqualValues(t, 42, snap.Version)
	require.Equal(t, []byte(`{"total":7}`), snap.State)
	require.False(t, snap.TakenAt.IsZero())
}
