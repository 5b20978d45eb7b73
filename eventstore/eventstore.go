// Package eventstore is an append-only per-stream event log with optimistic
// versioning and periodic snapshots. Within a stream, sequence numbers are
// dense and strictly increasing; append order is the total order.
package eventstore

import (
	"context"
	"errors"
	"time"
)

// NoStream as expectedVersion asserts the stream must not exist yet.
const NoStream int64 = -1

// ErrConcurrencyConflict is returned when expectedVersion does not match
// the stream's current version.
var ErrConcurrencyConflict = errors.New("eventstore: version conflict")

// ErrStreamExists is returned for an append with NoStream against an
// existing stream.
var ErrStreamExists = errors.New("eventstore: stream already exists")

// EventEnvelope is one stored event.
type EventEnvelope struct {
	Sequence  int64             `json:"sequence"`
	Type      string            `json:"type"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Snapshot is an optional state checkpoint for a stream.
type Snapshot struct {
	StreamID string    `json:"streamId"`
	Version  int64     `json:"version"`
	State    []byte    `json:"state"`
	TakenAt  time.Time `json:"takenAt"`
}

// Store is the event log. Append is atomic per stream. Tombstones are not
// supported; compaction is external.
type Store interface {
	// Append adds events to streamID when expectedVersion equals the
	// stream's current version (the count of stored events), or with
	// NoStream when the stream must not exist. Returns the new version.
	Append(ctx context.Context, streamID string, events []EventEnvelope, expectedVersion int64) (int64, error)
	// Read returns events with fromSequence <= Sequence <= toSequence in
	// sequence order. toSequence <= 0 means "to head".
	Read(ctx context.Context, streamID string, fromSequence, toSequence int64) ([]EventEnvelope, error)
	// Version returns the stream's current version (0 when absent).
	Version(ctx context.Context, streamID string) (int64, error)
	LoadSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, streamID string, state []byte, version int64) error
}
