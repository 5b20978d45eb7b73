package mediator

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catga/catga/dlock"
)

// LeaderInfo answers LeaderOnly routing.
type LeaderInfo interface {
	IsLeader(ctx context.Context) bool
}

// StaticLeader is a fixed answer, for single-node deployments and tests.
type StaticLeader bool

func (s StaticLeader) IsLeader(context.Context) bool { return bool(s) }

// LockLeader elects a leader by holding a distributed lock, renewing it at a
// third of the TTL. Leadership is lost when a renewal fails; the loop then
// competes to re-acquire.
type LockLeader struct {
	locker dlock.Locker
	key    string
	ttl    time.Duration

	mu     sync.Mutex
	handle *dlock.Handle
	done   chan struct{}
}

// NewLockLeader returns an elector over the named lock. Call Start to join
// the election.
func NewLockLeader(locker dlock.Locker, key string, ttl time.Duration) *LockLeader {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LockLeader{locker: locker, key: key, ttl: ttl, done: make(chan struct{})}
}

// IsLeader reports whether this node currently holds the leadership lock.
func (l *LockLeader) IsLeader(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != nil
}

// Start runs the election loop until ctx is cancelled, then resigns.
func (l *LockLeader) Start(ctx context.Context) {
	defer close(l.done)
	var ticker = time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			l.resign()
			return
		case <-ticker.C:
		}
	}
}

func (l *LockLeader) tick(ctx context.Context) {
	l.mu.Lock()
	var h = l.handle
	l.mu.Unlock()

	if h == nil {
		var acquired, err = l.locker.TryAcquire(ctx, l.key, l.ttl, 0)
		if err != nil {
			if err != dlock.ErrNotAcquired {
				log.WithFields(log.Fields{"key": l.key, "error": err}).Warn("leader acquire failed")
			}
			return
		}
		log.WithField("key", l.key).Info("acquired leadership")
		l.mu.Lock()
		l.handle = acquired
		l.mu.Unlock()
		return
	}

	if err := l.locker.Renew(ctx, h); err != nil {
		log.WithFields(log.Fields{"key": l.key, "error": err}).Warn("lost leadership")
		l.mu.Lock()
		l.handle = nil
		l.mu.Unlock()
	}
}

func (l *LockLeader) resign() {
	l.mu.Lock()
	var h = l.handle
	l.handle = nil
	l.mu.Unlock()
	if h != nil {
		if err := l.locker.Release(context.Background(), h); err != nil {
			log.WithFields(log.Fields{"key": l.key, "error": err}).Warn("leadership release failed")
		}
	}
}

// Done is closed once Start has returned.
func (l *LockLeader) Done() <-chan struct{} { return l.done }
