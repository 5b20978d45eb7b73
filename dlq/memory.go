package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is the in-process Queue.
type MemoryQueue struct {
	mu   sync.Mutex
	recs map[uint64]Record
	now  func() time.Time
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{recs: make(map[uint64]Record), now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var now = q.now()
	if existing, ok := q.recs[rec.MessageID]; ok {
		rec.FirstSeen = existing.FirstSeen
	} else if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	rec.LastSeen = now
	q.recs[rec.MessageID] = rec
	return nil
}

func (q *MemoryQueue) List(ctx context.Context, filter Filter, page Page) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Record
	for _, rec := range q.recs {
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && rec.LastSeen.Before(filter.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })

	if page.Offset > len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (q *MemoryQueue) Get(ctx context.Context, messageID uint64) (Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var rec, ok = q.recs[messageID]
	return rec, ok, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, messageID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.recs, messageID)
	return nil
}

func (q *MemoryQueue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for id, rec := range q.recs {
		if rec.LastSeen.Before(cutoff) {
			delete(q.recs, id)
			n++
		}
	}
	return n, nil
}
