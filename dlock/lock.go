// Package dlock provides a named exclusive lock with TTL auto-release and
// a fencing token: releasing requires the token handed out at acquisition,
// so an expired holder cannot release a successor's lock. Reentrance is not
// supported; callers serialize their own reentrant access.
package dlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the lock could not be acquired within the
// wait timeout.
var ErrNotAcquired = errors.New("dlock: lock not acquired")

// ErrLockLost is returned by Renew when the lock expired or was taken by
// another holder.
var ErrLockLost = errors.New("dlock: lock lost")

// Handle is proof of lock ownership.
type Handle struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Locker acquires and releases named locks. In any concurrent execution
// where two TryAcquire calls overlap on a key, at most one holds a Handle
// until release or TTL expiry.
type Locker interface {
	// TryAcquire attempts to take key, retrying until waitTimeout elapses
	// (a zero waitTimeout means a single attempt). Returns ErrNotAcquired
	// when the lock is held by someone else for the whole window.
	TryAcquire(ctx context.Context, key string, ttl, waitTimeout time.Duration) (*Handle, error)
	// Renew extends the TTL of a held lock by h.TTL. Returns ErrLockLost
	// when h no longer holds the lock.
	Renew(ctx context.Context, h *Handle) error
	// Release frees the lock. A mismatched or expired token is a no-op.
	Release(ctx context.Context, h *Handle) error
}

// acquirePollInterval paces acquisition retries while waiting.
const acquirePollInterval = 20 * time.Millisecond

func newToken() string { return uuid.NewString() }

// waitLoop runs attempt until it acquires, ctx is done, or waitTimeout
// elapses. Shared by the Locker implementations.
func waitLoop(
	ctx context.Context,
	waitTimeout time.Duration,
	attempt func() (*Handle, error),
) (*Handle, error) {
	var deadline = time.Now().Add(waitTimeout)
	for {
		var h, err = attempt()
		if err != nil || h != nil {
			return h, err
		}
		if waitTimeout <= 0 || !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}
