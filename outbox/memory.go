package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRow struct {
	rec     Record
	leaseAt time.Time // lease expiry while Publishing
}

// MemoryStore is the in-process Store, for single-node use and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uint64]*memRow
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uint64]*memRow), now: time.Now}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Status = Pending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.rows[rec.ID] = &memRow{rec: rec}
	return nil
}

func (s *MemoryStore) LeasePending(ctx context.Context, batchSize int, leaseDuration time.Duration) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var now = s.now()
	// Crash recovery: expired leases revert to Pending.
	for _, row := range s.rows {
		if row.rec.Status == Publishing && !row.leaseAt.After(now) {
			row.rec.Status = Pending
		}
	}

	var pending []*memRow
	for _, row := range s.rows {
		if row.rec.Status == Pending {
			pending = append(pending, row)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].rec.CreatedAt.Equal(pending[j].rec.CreatedAt) {
			return pending[i].rec.ID < pending[j].rec.ID
		}
		return pending[i].rec.CreatedAt.Before(pending[j].rec.CreatedAt)
	})
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	var out = make([]Record, 0, len(pending))
	for _, row := range pending {
		row.rec.Status = Publishing
		row.rec.LastAttemptAt = now
		row.leaseAt = now.Add(leaseDuration)
		out = append(out, row.rec)
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.rec.Status = Published
	}
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.rec.Status = Failed
		row.rec.Attempts++
		row.rec.LastError = lastError
	}
	return nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id uint64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.rec.Status = Pending
		row.rec.Attempts++
		row.rec.LastError = lastError
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uint64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		return row.rec, true, nil
	}
	return Record{}, false, nil
}
