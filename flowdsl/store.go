package flowdsl

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is a flow's lifecycle state. Running may move to any other; the
// waiting states return to Running; Compensating ends in Failed or
// Cancelled; Succeeded, Failed, and Cancelled are immutable.
type Status string

const (
	Running       Status = "Running"
	WaitingSignal Status = "WaitingSignal"
	WaitingTimer  Status = "WaitingTimer"
	Compensating  Status = "Compensating"
	Succeeded     Status = "Succeeded"
	Failed        Status = "Failed"
	Cancelled     Status = "Cancelled"
)

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// ErrFlowExists is returned by Create for an already-known flow id.
var ErrFlowExists = errors.New("flowdsl: flow already exists")

// ErrVersionConflict is returned by Update when the stored version does not
// match the expected one.
var ErrVersionConflict = errors.New("flowdsl: version conflict")

// ErrNotFound is returned for operations on unknown flows.
var ErrNotFound = errors.New("flowdsl: flow not found")

// Snapshot is the persisted execution state of one flow instance.
type Snapshot struct {
	FlowID    string          `json:"flowId"`
	Flow      string          `json:"flow"`
	State     json.RawMessage `json:"state"`
	Status    Status          `json:"status"`
	Position  []int           `json:"position"`
	Version   int64           `json:"version"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// WaitCondition is a flow's pending signal obligation.
type WaitCondition struct {
	FlowID     string                     `json:"flowId"`
	Kind       WaitKind                   `json:"kind"`
	SignalKeys []string                   `json:"signalKeys,omitempty"`
	Received   map[string]json.RawMessage `json:"received,omitempty"`
	// Deadline is zero when the wait has no timeout.
	Deadline time.Time `json:"deadline,omitempty"`
	// StepPath locates the suspended node, e.g. "0.2.1".
	StepPath string `json:"stepPath"`
}

// Complete reports whether the received signals satisfy the rule. A pure
// timer (no signal keys) never completes by signal.
func (w WaitCondition) Complete() bool {
	if len(w.SignalKeys) == 0 {
		return false
	}
	if w.Kind == Any {
		return len(w.Received) > 0
	}
	for _, key := range w.SignalKeys {
		if _, ok := w.Received[key]; !ok {
			return false
		}
	}
	return true
}

// ForEachProgress is the persisted per-item bookkeeping of one ForEach
// node. Completed and Failed are disjoint; Results is keyed by input index,
// so result order equals input order regardless of completion order.
type ForEachProgress struct {
	FlowID    string                  `json:"flowId"`
	StepPath  string                  `json:"stepPath"`
	Total     int                     `json:"total"`
	Completed []int                   `json:"completed,omitempty"`
	Results   map[int]json.RawMessage `json:"results,omitempty"`
	Failed    map[int]string          `json:"failed,omitempty"`
}

// Done reports whether index has already completed or failed.
func (p ForEachProgress) Done(index int) bool {
	for _, i := range p.Completed {
		if i == index {
			return true
		}
	}
	var _, failed = p.Failed[index]
	return failed
}

// Store persists snapshots, wait conditions, and foreach progress. All
// three backends are behaviorally identical; Update is the only CAS point
// and never holds a lock across user code.
type Store interface {
	// Create persists a new snapshot at version 1, or ErrFlowExists.
	Create(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, flowID string) (Snapshot, bool, error)
	// Update persists snap when the stored version equals expectedVersion,
	// bumping it by one; otherwise ErrVersionConflict.
	Update(ctx context.Context, snap Snapshot, expectedVersion int64) error
	// Delete drops the snapshot and any attached conditions or progress.
	Delete(ctx context.Context, flowID string) error

	SetWaitCondition(ctx context.Context, wc WaitCondition) error
	GetWaitCondition(ctx context.Context, flowID string) (WaitCondition, bool, error)
	UpdateWaitCondition(ctx context.Context, wc WaitCondition) error
	// AddReceived atomically merges one received signal into the stored
	// condition and returns the merged result, so concurrent signals for
	// distinct keys never overwrite each other. ok is false when no
	// condition is stored for flowID.
	AddReceived(ctx context.Context, flowID, key string, payload []byte) (WaitCondition, bool, error)
	ClearWaitCondition(ctx context.Context, flowID string) error
	// GetTimedOutWaitConditions returns conditions whose deadline is at or
	// before now.
	GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]WaitCondition, error)

	SaveForEachProgress(ctx context.Context, p ForEachProgress) error
	GetForEachProgress(ctx context.Context, flowID, stepPath string) (ForEachProgress, bool, error)
	ClearForEachProgress(ctx context.Context, flowID, stepPath string) error

	// ListNonTerminal returns the ids of flows whose status is not terminal,
	// for crash recovery.
	ListNonTerminal(ctx context.Context) ([]string, error)
}
