package eventstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store, the reference backend against which
// the version and sequencing semantics are pinned.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]EventEnvelope
	snapshots map[string]Snapshot
	now       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]EventEnvelope),
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, streamID string, events []EventEnvelope, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur, exists = s.streams[streamID]
	var version = int64(len(cur))
	if expectedVersion == NoStream {
		if exists {
			return version, ErrStreamExists
		}
	} else if expectedVersion != version {
		return version, ErrConcurrencyConflict
	}

	var now = s.now()
	for i := range events {
		var ev = events[i]
		ev.Sequence = version + int64(i) + 1
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		cur = append(cur, ev)
	}
	s.streams[streamID] = cur
	return int64(len(cur)), nil
}

func (s *MemoryStore) Read(ctx context.Context, streamID string, fromSequence, toSequence int64) ([]EventEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stream = s.streams[streamID]
	if fromSequence < 1 {
		fromSequence = 1
	}
	if toSequence <= 0 || toSequence > int64(len(stream)) {
		toSequence = int64(len(stream))
	}
	if fromSequence > toSequence {
		return nil, nil
	}
	var out = make([]EventEnvelope, toSequence-fromSequence+1)
	copy(out, stream[fromSequence-1:toSequence])
	return out, nil
}

func (s *MemoryStore) Version(ctx context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[streamID])), nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snap, ok = s.snapshots[streamID]
	return snap, ok, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, streamID string, state []byte, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[streamID] = Snapshot{
		StreamID: streamID,
		Version:  version,
		State:    state,
		TakenAt:  s.now(),
	}
	return nil
}
