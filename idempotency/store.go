// Package idempotency implements the inbox: a record of processed message
// ids with an optional cached result, so duplicate deliveries of the same
// message produce exactly one effect.
package idempotency

import (
	"context"
	"time"
)

// BeginState is the outcome of TryBeginProcess.
type BeginState int

const (
	// New: this caller won the race and should process the message.
	New BeginState = iota
	// Duplicate: the message was already processed; a cached result may
	// be available via GetCached.
	Duplicate
	// InProgress: another caller is processing the message right now.
	InProgress
)

func (s BeginState) String() string {
	switch s {
	case Duplicate:
		return "duplicate"
	case InProgress:
		return "in-progress"
	default:
		return "new"
	}
}

// Store records message-id → cached result with a TTL.
//
// TryBeginProcess is atomic: the first caller for an id wins and sees New;
// concurrent callers see InProgress, and callers after Complete see
// Duplicate. MarkProcessed (Complete) is idempotent: the first written
// value sticks.
type Store interface {
	TryBeginProcess(ctx context.Context, id uint64) (BeginState, error)
	// Complete marks id processed, optionally caching the serialized
	// result for replay to duplicates.
	Complete(ctx context.Context, id uint64, cached []byte) error
	HasProcessed(ctx context.Context, id uint64) (bool, error)
	// GetCached returns the cached result for id and whether a processed
	// record exists.
	GetCached(ctx context.Context, id uint64) ([]byte, bool, error)
}

// DefaultTTL is how long processed records are retained.
const DefaultTTL = 24 * time.Hour

// DefaultShardCount is the number of mutex-guarded shards of the in-memory
// store.
const DefaultShardCount = 16
