// Package outbox implements at-least-once publication: events are appended
// durably in the same transactional boundary as handler side effects, and a
// single publisher loop per partition leases pending records, publishes
// them over the transport, and marks the outcome. Records whose lease
// expires (a crashed publisher) revert to Pending.
package outbox

import (
	"context"
	"time"
)

// Status is the lifecycle state of an outbox record. Transitions form a
// DAG: Pending → Publishing → {Published | Failed}; Failed loops back to
// Pending on retry; Published is terminal.
type Status string

const (
	Pending    Status = "Pending"
	Publishing Status = "Publishing"
	Published  Status = "Published"
	Failed     Status = "Failed"
)

// Record is one durable outbox row.
type Record struct {
	ID            uint64    `json:"id"`
	MessageID     uint64    `json:"messageId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	MessageType   string    `json:"messageType"`
	Payload       []byte    `json:"payload"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"createdAt"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// Store is the durable queue of records pending publish.
//
// LeasePending is atomic: it first reverts Publishing records whose lease
// expired back to Pending, then moves up to batchSize Pending records
// (FIFO by CreatedAt) to Publishing under a fresh lease.
type Store interface {
	Append(ctx context.Context, rec Record) error
	LeasePending(ctx context.Context, batchSize int, leaseDuration time.Duration) ([]Record, error)
	MarkPublished(ctx context.Context, id uint64) error
	// MarkFailed records the error and leaves the record in Failed.
	MarkFailed(ctx context.Context, id uint64, lastError string) error
	// Requeue moves a Failed or leased record back to Pending, bumping its
	// attempt count (the Failed → Pending retry edge).
	Requeue(ctx context.Context, id uint64, lastError string) error
	// Get returns a record by id, for inspection and tests.
	Get(ctx context.Context, id uint64) (Record, bool, error)
}
