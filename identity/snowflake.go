// Package identity generates 64-bit snowflake message ids: a millisecond
// timestamp, a worker id, and a per-millisecond sequence packed into one
// word. Generation is lock-free: a single CAS over a packed
// {lastTimestamp, sequence} state word.
package identity

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrClockRegression is returned when the wall clock moved backwards by more
// than the configured tolerance.
var ErrClockRegression = errors.New("identity: clock moved backwards beyond tolerance")

// Epoch is the custom epoch (2020-01-01T00:00:00Z) from which timestamps
// are counted, in Unix milliseconds.
const Epoch int64 = 1577836800000

// Layout fixes the bit split of generated ids. Bits must sum to 63.
type Layout struct {
	TimestampBits uint
	WorkerBits    uint
	SequenceBits  uint
}

// DefaultLayout is 41/10/12: a 69-year range, 1024 workers, and 4096 ids
// per millisecond per worker.
var DefaultLayout = Layout{TimestampBits: 41, WorkerBits: 10, SequenceBits: 12}

// HighConcurrencyLayout trades worker range for sequence space: 256 workers,
// 16384 ids per millisecond per worker.
var HighConcurrencyLayout = Layout{TimestampBits: 41, WorkerBits: 8, SequenceBits: 14}

func (l Layout) valid() bool {
	return l.TimestampBits+l.WorkerBits+l.SequenceBits == 63
}

// Worker is a snowflake id generator for one worker id. Safe for concurrent
// use; all state lives in a single atomically-updated word.
type Worker struct {
	// state packs {lastTimestamp << sequenceBits | sequence}.
	state atomic.Uint64

	layout    Layout
	workerID  uint64
	seqMask   uint64
	tolerance time.Duration
	now       func() int64 // ms since Epoch
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLayout selects a non-default bit layout.
func WithLayout(l Layout) Option { return func(w *Worker) { w.layout = l } }

// WithClockTolerance sets how far backwards the clock may move before
// NextID fails instead of waiting. Default 5ms.
func WithClockTolerance(d time.Duration) Option { return func(w *Worker) { w.tolerance = d } }

// withClock overrides the millisecond clock, for tests.
func withClock(fn func() int64) Option { return func(w *Worker) { w.now = fn } }

// NewWorker returns a Worker for the given worker id.
func NewWorker(workerID uint64, opts ...Option) (*Worker, error) {
	var w = &Worker{
		layout:    DefaultLayout,
		workerID:  workerID,
		tolerance: 5 * time.Millisecond,
		now: func() int64 {
			return time.Now().UnixMilli() - Epoch
		},
	}
	for _, o := range opts {
		o(w)
	}
	if !w.layout.valid() {
		return nil, errors.New("identity: layout bits must sum to 63")
	}
	if workerID >= 1<<w.layout.WorkerBits {
		return nil, errors.New("identity: worker id out of range for layout")
	}
	w.seqMask = 1<<w.layout.SequenceBits - 1
	return w, nil
}

// NextID returns the next id. Ids from one Worker are strictly increasing:
// for any two calls where the first returned before the second began, the
// first id is smaller.
func (w *Worker) NextID() (uint64, error) {
	for {
		var cur = w.state.Load()
		var lastTs = int64(cur >> w.layout.SequenceBits)
		var seq = cur & w.seqMask

		var now = w.now()
		switch {
		case now > lastTs:
			// Fresh millisecond: claim it with sequence zero.
			var next = uint64(now)<<w.layout.SequenceBits | 0
			if w.state.CompareAndSwap(cur, next) {
				return w.compose(uint64(now), 0), nil
			}

		case now == lastTs:
			if seq == w.seqMask {
				// Sequence exhausted for this millisecond; spin to the next.
				w.spinToNextMillis(lastTs)
				continue
			}
			var next = cur + 1
			if w.state.CompareAndSwap(cur, next) {
				return w.compose(uint64(lastTs), seq+1), nil
			}

		default:
			// Clock regression. Wait it out within tolerance, else fail.
			if time.Duration(lastTs-now)*time.Millisecond > w.tolerance {
				return 0, ErrClockRegression
			}
			w.spinToNextMillis(lastTs - 1)
		}
	}
}

// NextIDs fills the provided span with ids and returns the count written.
// When the whole batch fits in the current millisecond's remaining sequence
// space it is reserved with a single CAS and the fill allocates nothing;
// otherwise it falls back to per-id generation across the boundary.
func (w *Worker) NextIDs(span []uint64) (int, error) {
	if len(span) == 0 {
		return 0, nil
	}
	var n = uint64(len(span))

	for {
		var cur = w.state.Load()
		var lastTs = int64(cur >> w.layout.SequenceBits)
		var seq = cur & w.seqMask

		var now = w.now()
		if now < lastTs {
			break // regression: let NextID handle tolerance per id
		}

		var baseTs, baseSeq uint64
		if now > lastTs {
			baseTs, baseSeq = uint64(now), 0
		} else {
			baseTs, baseSeq = uint64(lastTs), seq+1
		}
		if baseSeq+n-1 > w.seqMask {
			break // does not fit this millisecond; fall back
		}
		var next = baseTs<<w.layout.SequenceBits | (baseSeq + n - 1)
		if !w.state.CompareAndSwap(cur, next) {
			continue
		}
		for i := range span {
			span[i] = w.compose(baseTs, baseSeq+uint64(i))
		}
		return len(span), nil
	}

	for i := range span {
		var id, err = w.NextID()
		if err != nil {
			return i, err
		}
		span[i] = id
	}
	return len(span), nil
}

// NextIDsN allocates and returns n fresh ids.
func (w *Worker) NextIDsN(n int) ([]uint64, error) {
	var span = make([]uint64, n)
	var filled, err = w.NextIDs(span)
	return span[:filled], err
}

// WorkerID returns the worker id baked into generated ids.
func (w *Worker) WorkerID() uint64 { return w.workerID }

func (w *Worker) compose(ts, seq uint64) uint64 {
	return ts<<(w.layout.WorkerBits+w.layout.SequenceBits) |
		w.workerID<<w.layout.SequenceBits |
		seq
}

// spinToNextMillis burns until the clock passes ts without sleeping the
// scheduler; saturation of a single millisecond is rare and brief.
func (w *Worker) spinToNextMillis(ts int64) {
	for w.now() <= ts {
		runtime.Gosched()
	}
}

// Decompose splits an id generated under layout l into its timestamp
// (ms since Epoch), worker id, and sequence.
func Decompose(id uint64, l Layout) (ts, worker, seq uint64) {
	seq = id & (1<<l.SequenceBits - 1)
	worker = id >> l.SequenceBits & (1<<l.WorkerBits - 1)
	ts = id >> (l.WorkerBits + l.SequenceBits)
	return
}
