package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// InProcess is the single-node Transport: a typed subject table dispatched
// on a bounded worker pool. Request subjects deliver to exactly one group
// member (round-robin); event subjects fan out one delivery per group plus
// every ungrouped subscriber.
type InProcess struct {
	mu     sync.RWMutex
	subs   map[string][]*inprocSub
	closed bool

	workers *semaphore.Weighted
	wg      sync.WaitGroup
}

type inprocSub struct {
	owner      *InProcess
	subject    string
	queueGroup string
	handler    Handler
	next       atomic.Uint64 // round-robin cursor shared per group leader
}

// NewInProcess returns an InProcess transport dispatching on at most
// maxWorkers concurrent handler invocations (0 means 64).
func NewInProcess(maxWorkers int) *InProcess {
	if maxWorkers <= 0 {
		maxWorkers = 64
	}
	return &InProcess{
		subs:    make(map[string][]*inprocSub),
		workers: semaphore.NewWeighted(int64(maxWorkers)),
	}
}

func (t *InProcess) Subscribe(subject, queueGroup string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	var sub = &inprocSub{owner: t, subject: subject, queueGroup: queueGroup, handler: h}
	t.subs[subject] = append(t.subs[subject], sub)
	return sub, nil
}

func (s *inprocSub) Unsubscribe() error {
	var t = s.owner
	t.mu.Lock()
	defer t.mu.Unlock()
	var list = t.subs[s.subject]
	for i, cand := range list {
		if cand == s {
			t.subs[s.subject] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// targets selects the handlers a single publish reaches: every ungrouped
// subscriber, and one member per queue group.
func (t *InProcess) targets(subject string) []*inprocSub {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var groups = make(map[string][]*inprocSub)
	var out []*inprocSub
	for _, s := range t.subs[subject] {
		if s.queueGroup == "" {
			out = append(out, s)
		} else {
			groups[s.queueGroup] = append(groups[s.queueGroup], s)
		}
	}
	for _, members := range groups {
		var leader = members[0]
		var pick = members[leader.next.Add(1)%uint64(len(members))]
		out = append(out, pick)
	}
	return out
}

func (t *InProcess) Publish(ctx context.Context, tc Context, payload []byte) error {
	var targets = t.targets(EventSubject(tc.MessageType))
	for _, s := range targets {
		var s = s
		if err := t.workers.Acquire(ctx, 1); err != nil {
			return err
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.workers.Release(1)
			if _, err := s.handler(ctx, Delivery{Context: tc, Payload: payload}); err != nil {
				log.WithFields(log.Fields{
					"subject":   s.subject,
					"messageId": tc.MessageID,
					"error":     err,
				}).Warn("in-process event handler failed")
			}
		}()
	}
	return nil
}

func (t *InProcess) SendAndReceive(ctx context.Context, tc Context, payload []byte, timeout time.Duration) ([]byte, error) {
	var targets = t.targets(RequestSubject(tc.MessageType))
	if len(targets) == 0 {
		return nil, fmt.Errorf("no subscriber for subject %q", RequestSubject(tc.MessageType))
	}
	var s = targets[0]

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var done = make(chan struct{})
	var reply []byte
	var herr error
	go func() {
		defer close(done)
		reply, herr = s.handler(ctx, Delivery{Context: tc, Payload: payload})
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return reply, herr
	}
}

func (t *InProcess) Close() error {
	t.mu.Lock()
	t.closed = true
	t.subs = make(map[string][]*inprocSub)
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
