package flowdsl

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the in-process Store, the reference backend for the
// contract's semantics.
type MemoryStore struct {
	mu       sync.Mutex
	flows    map[string]Snapshot
	waits    map[string]WaitCondition
	progress map[string]ForEachProgress
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:    make(map[string]Snapshot),
		waits:    make(map[string]WaitCondition),
		progress: make(map[string]ForEachProgress),
		now:      time.Now,
	}
}

func progressKey(flowID, stepPath string) string { return flowID + "|" + stepPath }

func (s *MemoryStore) Create(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[snap.FlowID]; exists {
		return ErrFlowExists
	}
	snap.Version = 1
	snap.CreatedAt = s.now()
	snap.UpdatedAt = snap.CreatedAt
	s.flows[snap.FlowID] = snap
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, flowID string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap, ok = s.flows[flowID]
	return snap, ok, nil
}

func (s *MemoryStore) Update(ctx context.Context, snap Snapshot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur, ok = s.flows[snap.FlowID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	snap.Version = expectedVersion + 1
	snap.CreatedAt = cur.CreatedAt
	snap.UpdatedAt = s.now()
	s.flows[snap.FlowID] = snap
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowID)
	delete(s.waits, flowID)
	for key := range s.progress {
		if s.progress[key].FlowID == flowID {
			delete(s.progress, key)
		}
	}
	return nil
}

func (s *MemoryStore) SetWaitCondition(ctx context.Context, wc WaitCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[wc.FlowID] = wc
	return nil
}

func (s *MemoryStore) GetWaitCondition(ctx context.Context, flowID string) (WaitCondition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wc, ok = s.waits[flowID]
	return copyWait(wc), ok, nil
}

// copyWait detaches the Received map so callers never share the stored one.
func copyWait(wc WaitCondition) WaitCondition {
	if wc.Received == nil {
		return wc
	}
	var received = make(map[string]json.RawMessage, len(wc.Received))
	for k, v := range wc.Received {
		received[k] = v
	}
	wc.Received = received
	return wc
}

func (s *MemoryStore) UpdateWaitCondition(ctx context.Context, wc WaitCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waits[wc.FlowID]; !ok {
		return ErrNotFound
	}
	s.waits[wc.FlowID] = wc
	return nil
}

func (s *MemoryStore) AddReceived(ctx context.Context, flowID, key string, payload []byte) (WaitCondition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wc, ok = s.waits[flowID]
	if !ok {
		return WaitCondition{}, false, nil
	}
	if wc.Received == nil {
		wc.Received = make(map[string]json.RawMessage)
	}
	wc.Received[key] = payload
	s.waits[flowID] = wc
	return copyWait(wc), true, nil
}

func (s *MemoryStore) ClearWaitCondition(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waits, flowID)
	return nil
}

func (s *MemoryStore) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]WaitCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WaitCondition
	for _, wc := range s.waits {
		if !wc.Deadline.IsZero() && !wc.Deadline.After(now) {
			out = append(out, copyWait(wc))
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveForEachProgress(ctx context.Context, p ForEachProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[progressKey(p.FlowID, p.StepPath)] = p
	return nil
}

func (s *MemoryStore) GetForEachProgress(ctx context.Context, flowID, stepPath string) (ForEachProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p, ok = s.progress[progressKey(flowID, stepPath)]
	return p, ok, nil
}

func (s *MemoryStore) ClearForEachProgress(ctx context.Context, flowID, stepPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, progressKey(flowID, stepPath))
	return nil
}

func (s *MemoryStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, snap := range s.flows {
		if !snap.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}
