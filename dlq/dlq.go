// Package dlq is the terminal store for messages that exhausted their
// retry budget. Records can be listed, replayed through the transport, or
// purged.
package dlq

import (
	"context"
	"time"
)

// Record is one dead-lettered message.
type Record struct {
	MessageID     uint64    `json:"messageId"`
	Type          string    `json:"type"`
	Payload       []byte    `json:"payload"`
	LastError     string    `json:"lastError"`
	Attempts      int       `json:"attempts"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Type string
	// Since excludes records last seen before it.
	Since time.Time
}

// Page bounds List results.
type Page struct {
	Offset int
	Limit  int
}

// Queue is the dead-letter store.
type Queue interface {
	// Enqueue records a terminally failed message. Re-enqueueing the same
	// message id updates LastSeen and Attempts, keeping FirstSeen.
	Enqueue(ctx context.Context, rec Record) error
	List(ctx context.Context, filter Filter, page Page) ([]Record, error)
	// Get returns a record by message id.
	Get(ctx context.Context, messageID uint64) (Record, bool, error)
	// Remove drops a record (after a successful replay, or a purge by id).
	Remove(ctx context.Context, messageID uint64) error
	// PurgeOlderThan drops records last seen before cutoff and returns the
	// count removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
