package idempotency

import (
	"context"
	"sync"
	"time"
)

type record struct {
	inProgress bool
	cached     []byte
	expiresAt  time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[uint64]record
}

// MemoryStore is the in-process Store: sharded by hash(id) mod N to reduce
// contention, with lazy expiry on read plus a periodic sweep.
type MemoryStore struct {
	shards []*shard
	ttl    time.Duration
	now    func() time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTTL overrides the record TTL.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns a MemoryStore with shardCount shards (0 means
// DefaultShardCount) and starts its background sweep.
func NewMemoryStore(shardCount int, opts ...MemoryOption) *MemoryStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	var s = &MemoryStore{
		shards: make([]*shard, shardCount),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[uint64]record)}
	}
	for _, o := range opts {
		o(s)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone = make(chan struct{})
	go s.sweep(ctx)
	return s
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.sweepCancel()
	<-s.sweepDone
}

func (s *MemoryStore) shardFor(id uint64) *shard {
	// Mix the id so sequence-dense snowflakes spread over shards.
	id ^= id >> 33
	id *= 0xff51afd7ed558ccd
	id ^= id >> 33
	return s.shards[id%uint64(len(s.shards))]
}

func (s *MemoryStore) TryBeginProcess(ctx context.Context, id uint64) (BeginState, error) {
	var sh = s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var rec, ok = sh.records[id]
	if ok && !rec.expiresAt.After(s.now()) {
		delete(sh.records, id)
		ok = false
	}
	if ok {
		if rec.inProgress {
			return InProgress, nil
		}
		return Duplicate, nil
	}
	sh.records[id] = record{inProgress: true, expiresAt: s.now().Add(s.ttl)}
	return New, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id uint64, cached []byte) error {
	var sh = s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[id]; ok && !rec.inProgress && rec.expiresAt.After(s.now()) {
		return nil // first write wins
	}
	sh.records[id] = record{cached: cached, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) HasProcessed(ctx context.Context, id uint64) (bool, error) {
	var _, ok, err = s.GetCached(ctx, id)
	return ok, err
}

func (s *MemoryStore) GetCached(ctx context.Context, id uint64) ([]byte, bool, error) {
	var sh = s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var rec, ok = sh.records[id]
	if !ok {
		return nil, false, nil
	}
	if !rec.expiresAt.After(s.now()) {
		delete(sh.records, id)
		return nil, false, nil
	}
	if rec.inProgress {
		return nil, false, nil
	}
	return rec.cached, true, nil
}

func (s *MemoryStore) sweep(ctx context.Context) {
	defer close(s.sweepDone)
	var ticker = time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var now = s.now()
			for _, sh := range s.shards {
				sh.mu.Lock()
				for id, rec := range sh.records {
					if !rec.expiresAt.After(now) {
						delete(sh.records, id)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
