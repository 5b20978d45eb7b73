package flowdsl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// NATSBucket is the default KV bucket name.
	NATSBucket = "catga_flows"

	natsFlowPrefix    = "flow."
	natsWaitPrefix    = "wait."
	natsForeachPrefix = "foreach."
)

// NATSStore is the JetStream KV-backed Store. The snapshot version rides
// inside the value; atomicity comes from KV revision CAS, so a concurrent
// writer loses with ErrVersionConflict exactly as on the other backends.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStore returns a NATSStore over an existing KV bucket.
func NewNATSStore(kv nats.KeyValue) *NATSStore {
	return &NATSStore{kv: kv}
}

// ConnectNATSStore creates (or opens) the bucket on js and returns the
// store.
func ConnectNATSStore(js nats.JetStreamContext, bucket string) (*NATSStore, error) {
	if bucket == "" {
		bucket = NATSBucket
	}
	var kv, err = js.KeyValue(bucket)
	if err == nats.ErrBucketNotFound {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("open KV bucket %q: %w", bucket, err)
	}
	return &NATSStore{kv: kv}, nil
}

func natsFlowKey(flowID string) string { return natsFlowPrefix + flowID }
func natsWaitKey(flowID string) string { return natsWaitPrefix + flowID }
func natsForeachKey(flowID, stepPath string) string {
	return natsForeachPrefix + flowID + "." + stepPath
}

func (s *NATSStore) Create(ctx context.Context, snap Snapshot) error {
	snap.Version = 1
	snap.CreatedAt = time.Now()
	snap.UpdatedAt = snap.CreatedAt
	var data, err = json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", snap.FlowID, err)
	}
	if _, cerr := s.kv.Create(natsFlowKey(snap.FlowID), data); cerr != nil {
		if errors.Is(cerr, nats.ErrKeyExists) {
			return ErrFlowExists
		}
		return fmt.Errorf("create flow %s: %w", snap.FlowID, cerr)
	}
	return nil
}

func (s *NATSStore) Get(ctx context.Context, flowID string) (Snapshot, bool, error) {
	var entry, err = s.kv.Get(natsFlowKey(flowID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, fmt.Errorf("get flow %s: %w", flowID, err)
	}
	var snap Snapshot
	if uerr := json.Unmarshal(entry.Value(), &snap); uerr != nil {
		return Snapshot{}, false, fmt.Errorf("decode flow %s: %w", flowID, uerr)
	}
	return snap, true, nil
}

func (s *NATSStore) Update(ctx context.Context, snap Snapshot, expectedVersion int64) error {
	var entry, err = s.kv.Get(natsFlowKey(snap.FlowID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("get flow %s: %w", snap.FlowID, err)
	}
	var stored Snapshot
	if uerr := json.Unmarshal(entry.Value(), &stored); uerr != nil {
		return fmt.Errorf("decode flow %s: %w", snap.FlowID, uerr)
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}

	snap.Version = expectedVersion + 1
	snap.CreatedAt = stored.CreatedAt
	snap.UpdatedAt = time.Now()
	var data, merr = json.Marshal(snap)
	if merr != nil {
		return fmt.Errorf("encode flow %s: %w", snap.FlowID, merr)
	}
	if _, uerr := s.kv.Update(natsFlowKey(snap.FlowID), data, entry.Revision()); uerr != nil {
		// A concurrent writer moved the revision between our read and
		// write.
		return ErrVersionConflict
	}
	return nil
}

func (s *NATSStore) Delete(ctx context.Context, flowID string) error {
	if err := s.kv.Delete(natsFlowKey(flowID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete flow %s: %w", flowID, err)
	}
	_ = s.kv.Delete(natsWaitKey(flowID))
	var keys, err = s.keysWithPrefix(natsForeachPrefix + flowID + ".")
	if err != nil {
		return err
	}
	for _, key := range keys {
		_ = s.kv.Delete(key)
	}
	return nil
}

func (s *NATSStore) SetWaitCondition(ctx context.Context, wc WaitCondition) error {
	var data, err = json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("encode wait %s: %w", wc.FlowID, err)
	}
	if _, perr := s.kv.Put(natsWaitKey(wc.FlowID), data); perr != nil {
		return fmt.Errorf("set wait %s: %w", wc.FlowID, perr)
	}
	return nil
}

func (s *NATSStore) GetWaitCondition(ctx context.Context, flowID string) (WaitCondition, bool, error) {
	var entry, err = s.kv.Get(natsWaitKey(flowID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return WaitCondition{}, false, nil
	} else if err != nil {
		return WaitCondition{}, false, fmt.Errorf("get wait %s: %w", flowID, err)
	}
	var wc WaitCondition
	if uerr := json.Unmarshal(entry.Value(), &wc); uerr != nil {
		return WaitCondition{}, false, fmt.Errorf("decode wait %s: %w", flowID, uerr)
	}
	return wc, true, nil
}

func (s *NATSStore) UpdateWaitCondition(ctx context.Context, wc WaitCondition) error {
	var _, ok, err = s.GetWaitCondition(ctx, wc.FlowID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return s.SetWaitCondition(ctx, wc)
}

func (s *NATSStore) AddReceived(ctx context.Context, flowID, key string, payload []byte) (WaitCondition, bool, error) {
	for attempt := 0; attempt < 16; attempt++ {
		var entry, err = s.kv.Get(natsWaitKey(flowID))
		if errors.Is(err, nats.ErrKeyNotFound) {
			return WaitCondition{}, false, nil
		} else if err != nil {
			return WaitCondition{}, false, fmt.Errorf("get wait %s: %w", flowID, err)
		}
		var wc WaitCondition
		if uerr := json.Unmarshal(entry.Value(), &wc); uerr != nil {
			return WaitCondition{}, false, fmt.Errorf("decode wait %s: %w", flowID, uerr)
		}
		if wc.Received == nil {
			wc.Received = make(map[string]json.RawMessage)
		}
		wc.Received[key] = payload
		var data, merr = json.Marshal(wc)
		if merr != nil {
			return WaitCondition{}, false, fmt.Errorf("encode wait %s: %w", flowID, merr)
		}
		if _, uerr := s.kv.Update(natsWaitKey(flowID), data, entry.Revision()); uerr == nil {
			return wc, true, nil
		}
		// Revision moved under us; merge again over the new value.
	}
	return WaitCondition{}, false, fmt.Errorf("add received %s/%s: %w", flowID, key, ErrVersionConflict)
}

func (s *NATSStore) ClearWaitCondition(ctx context.Context, flowID string) error {
	if err := s.kv.Delete(natsWaitKey(flowID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("clear wait %s: %w", flowID, err)
	}
	return nil
}

func (s *NATSStore) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]WaitCondition, error) {
	var keys, err = s.keysWithPrefix(natsWaitPrefix)
	if err != nil {
		return nil, err
	}
	var out []WaitCondition
	for _, key := range keys {
		var wc, ok, gerr = s.GetWaitCondition(ctx, strings.TrimPrefix(key, natsWaitPrefix))
		if gerr != nil {
			return nil, gerr
		}
		if ok && !wc.Deadline.IsZero() && !wc.Deadline.After(now) {
			out = append(out, wc)
		}
	}
	return out, nil
}

func (s *NATSStore) SaveForEachProgress(ctx context.Context, p ForEachProgress) error {
	var data, err = json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress %s/%s: %w", p.FlowID, p.StepPath, err)
	}
	if _, perr := s.kv.Put(natsForeachKey(p.FlowID, p.StepPath), data); perr != nil {
		return fmt.Errorf("save progress %s/%s: %w", p.FlowID, p.StepPath, perr)
	}
	return nil
}

func (s *NATSStore) GetForEachProgress(ctx context.Context, flowID, stepPath string) (ForEachProgress, bool, error) {
	var entry, err = s.kv.Get(natsForeachKey(flowID, stepPath))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ForEachProgress{}, false, nil
	} else if err != nil {
		return ForEachProgress{}, false, fmt.Errorf("get progress %s/%s: %w", flowID, stepPath, err)
	}
	var p ForEachProgress
	if uerr := json.Unmarshal(entry.Value(), &p); uerr != nil {
		return ForEachProgress{}, false, fmt.Errorf("decode progress %s/%s: %w", flowID, stepPath, uerr)
	}
	return p, true, nil
}

func (s *NATSStore) ClearForEachProgress(ctx context.Context, flowID, stepPath string) error {
	if err := s.kv.Delete(natsForeachKey(flowID, stepPath)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("clear progress %s/%s: %w", flowID, stepPath, err)
	}
	return nil
}

func (s *NATSStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	var keys, err = s.keysWithPrefix(natsFlowPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		var flowID = strings.TrimPrefix(key, natsFlowPrefix)
		var snap, ok, gerr = s.Get(ctx, flowID)
		if gerr != nil {
			return nil, gerr
		}
		if ok && !snap.Status.Terminal() {
			out = append(out, flowID)
		}
	}
	return out, nil
}

func (s *NATSStore) keysWithPrefix(prefix string) ([]string, error) {
	var keys, err = s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("list KV keys: %w", err)
	}
	var out []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}
