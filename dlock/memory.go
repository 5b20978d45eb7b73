package dlock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is the in-process Locker, for single-node deployments and
// tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memEntry
	now   func() time.Time
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memEntry), now: time.Now}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl, waitTimeout time.Duration) (*Handle, error) {
	return waitLoop(ctx, waitTimeout, func() (*Handle, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		if e, ok := l.locks[key]; ok && e.expiresAt.After(l.now()) {
			return nil, nil // held
		}
		var token = newToken()
		l.locks[key] = memEntry{token: token, expiresAt: l.now().Add(ttl)}
		return &Handle{Key: key, Token: token, AcquiredAt: l.now(), TTL: ttl}, nil
	})
}

func (l *MemoryLocker) Renew(ctx context.Context, h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var e, ok = l.locks[h.Key]
	if !ok || e.token != h.Token || !e.expiresAt.After(l.now()) {
		return ErrLockLost
	}
	e.expiresAt = l.now().Add(h.TTL)
	l.locks[h.Key] = e
	return nil
}

func (l *MemoryLocker) Release(ctx context.Context, h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[h.Key]; ok && e.token == h.Token {
		delete(l.locks, h.Key)
	}
	return nil
}
