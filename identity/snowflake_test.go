package identity

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDsStrictlyIncreasing(t *testing.T) {
	var w, err = NewWorker(7)
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 100_000; i++ {
		var id, err = w.NextID()
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNoDuplicatesUnderParallelism(t *testing.T) {
	var w, err = NewWorker(1)
	require.NoError(t, err)

	const workers = 32
	const perWorker = 1_000_000 / workers

	var wg sync.WaitGroup
	var all = make([][]uint64, workers)
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var ids = make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				var id, err = w.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				ids = append(ids, id)
			}
			all[g] = ids
		}(g)
	}
	wg.Wait()

	var flat = make([]uint64, 0, workers*perWorker)
	for _, ids := range all {
		flat = append(flat, ids...)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i] < flat[j] })
	for i := 1; i < len(flat); i++ {
		require.NotEqual(t, flat[i-1], flat[i], "duplicate id at %d", i)
	}
}

func TestSequenceSaturationAdvancesMillisecond(t *testing.T) {
	// A clock frozen at t=100 until the generator exhausts the sequence and
	// spins; the spin observes the clock advance to 101.
	var clock atomic.Int64
	clock.Store(100)
	var calls atomic.Int64

	var w, err = NewWorker(0, withClock(func() int64 {
		// Release the spin after a while, as a real clock would.
		if calls.Add(1) > 3*4096*2 {
			clock.Store(101)
		}
		return clock.Load()
	}))
	require.NoError(t, err)

	var seen = make(map[uint64]struct{})
	// One more than the sequence space of a single millisecond.
	for i := 0; i < 4096+1; i++ {
		var id, err = w.NextID()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}

	var ts, _, seq = Decompose(last(seen), DefaultLayout)
	_ = seq
	require.EqualValues(t, 101, ts)
}

func last(seen map[uint64]struct{}) uint64 {
	var max uint64
	for id := range seen {
		if id > max {
			max = id
		}
	}
	return max
}

func TestClockRegressionBeyondToleranceFails(t *testing.T) {
	var now = int64(1000)
	var w, err = NewWorker(0, withClock(func() int64 { return now }), WithClockTolerance(0))
	require.NoError(t, err)

	_, err = w.NextID()
	require.NoError(t, err)

	now = 900 // 100ms backwards, tolerance zero
	_, err = w.NextID()
	require.ErrorIs(t, err, ErrClockRegression)
}

func TestBatchReservesContiguousRange(t *testing.T) {
	var w, err = NewWorker(3)
	require.NoError(t, err)

	var span = make([]uint64, 256)
	var n, berr = w.NextIDs(span)
	require.NoError(t, berr)
	require.Equal(t, 256, n)

	for i := 1; i < n; i++ {
		require.Greater(t, span[i], span[i-1])
	}

	// A batch larger than one millisecond's sequence space still succeeds
	// via the fallback path.
	var big = make([]uint64, 5000)
	n, berr = w.NextIDs(big)
	require.NoError(t, berr)
	require.Equal(t, 5000, n)
	require.Greater(t, big[0], span[255])
}

func TestBatchAllocationFree(t *testing.T) {
	var w, err = NewWorker(3)
	require.NoError(t, err)
	var span = make([]uint64, 64)

	var allocs = testing.AllocsPerRun(100, func() {
		if _, err := w.NextIDs(span); err != nil {
			t.Fatal(err)
		}
	})
	require.Zero(t, allocs)
}

func TestDecompose(t *testing.T) {
	var w, err = NewWorker(42, withClock(func() int64 { return 123456 }))
	require.NoError(t, err)

	var id, ierr = w.NextID()
	require.NoError(t, ierr)
	var ts, worker, seq = Decompose(id, DefaultLayout)
	require.EqualValues(t, 123456, ts)
	require.EqualValues(t, 42, worker)
	require.EqualValues(t, 0, seq)
}

func TestLayoutValidation(t *testing.T) {
	var _, err = NewWorker(0, WithLayout(Layout{TimestampBits: 41, WorkerBits: 10, SequenceBits: 13}))
	require.Error(t, err)

	_, err = NewWorker(1024) // out of range for 10 worker bits
	require.Error(t, err)

	_, err = NewWorker(300, WithLayout(HighConcurrencyLayout))
	require.Error(t, err, "high-concurrency layout has 8 worker bits")
}
