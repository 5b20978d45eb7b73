// Package mediator dispatches requests to their single registered handler
// and fans events out to every subscriber, running each invocation through
// the behavior pipeline. Routing attributes (LeaderOnly, Sharded,
// ClusterSingleton, Broadcast) are interpreted here, never by handlers.
package mediator

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/catga/catga"
	"github.com/catga/catga/codec"
	"github.com/catga/catga/dlock"
	"github.com/catga/catga/dlq"
	"github.com/catga/catga/pipeline"
	"github.com/catga/catga/result"
	"github.com/catga/catga/transport"
)

// Options configure a Mediator. Zero-value fields disable the corresponding
// facility.
type Options struct {
	// Codec serializes payloads for remote dispatch, caching, and the DLQ.
	Codec codec.Codec
	// Transport enables remote dispatch. Nil keeps everything in-process.
	Transport transport.Transport
	// Locker backs the ClusterSingleton gate. Required when any registered
	// type carries the attribute.
	Locker dlock.Locker
	// Leader answers LeaderOnly routing. Nil treats this node as leader.
	Leader LeaderInfo
	// Shards answers Sharded routing. Nil owns every key.
	Shards ShardRouter
	// DLQ receives events whose handler exhausted its retries.
	DLQ dlq.Queue
	// SendTimeout bounds remote request/reply (default 30s).
	SendTimeout time.Duration
}

// Mediator is the dispatch core. Registration happens at startup; dispatch
// is lock-free beyond one RWMutex read.
type Mediator struct {
	opts     Options
	codec    codec.Codec
	registry *codec.Registry
	builder  *pipeline.Builder

	mu       sync.RWMutex
	requests map[reflect.Type]*requestRegistration
	events   map[reflect.Type][]*eventRegistration

	subs []transport.Subscription
}

// New returns a Mediator with the given behaviors installed.
func New(opts Options, behaviors ...pipeline.Behavior) *Mediator {
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Mediator{
		opts:     opts,
		codec:    opts.Codec,
		registry: codec.NewRegistry(),
		builder:  pipeline.NewBuilder(behaviors...),
		requests: make(map[reflect.Type]*requestRegistration),
		events:   make(map[reflect.Type][]*eventRegistration),
	}
}

// Use installs an additional behavior (custom stages between the standard
// orders).
func (m *Mediator) Use(b pipeline.Behavior) { m.builder.Use(b) }

// Registry exposes the type registry for transports and replay tooling.
func (m *Mediator) Registry() *codec.Registry { return m.registry }

// Send dispatches req to its single registered handler and returns the
// typed response.
func Send[Resp any](ctx context.Context, m *Mediator, req catga.Message) result.Result[Resp] {
	return result.As[Resp](m.send(ctx, req))
}

func (m *Mediator) send(ctx context.Context, req catga.Message) result.Result[any] {
	if err := ctx.Err(); err != nil {
		return result.FailErr[any](result.Cancelled, err, "dispatch cancelled before start")
	}

	m.mu.RLock()
	var reg, ok = m.requests[baseTypeOf(req)]
	m.mu.RUnlock()
	if !ok {
		return result.Fail[any](result.HandlerNotFound, "no handler registered for %s", codec.TypeNameOf(req))
	}
	if reg.invoke == nil {
		// Remote proxy registration.
		return m.sendRemote(ctx, reg.desc, req)
	}

	var attrs = reg.desc.Attrs
	if attrs.LeaderOnly && !m.isLeader(ctx) {
		return result.Fail[any](result.NotLeader, "%s executes only on the leader", reg.desc.TypeName)
	}
	if attrs.ShardKey != "" {
		var key = catga.ExpandKey("{"+attrs.ShardKey+"}", req)
		if !m.ownsShard(key) {
			return m.sendRemote(ctx, reg.desc, req)
		}
	}
	if attrs.ClusterSingleton {
		return m.runSingleton(ctx, reg, req)
	}
	return m.invokeLocal(ctx, reg, req)
}

func (m *Mediator) invokeLocal(ctx context.Context, reg *requestRegistration, req catga.Message) result.Result[any] {
	ctx = withScope(ctx)
	var started = time.Now()
	var r = m.builder.For(reg.desc, reg.invoke)(ctx, req)
	observeDispatch(reg.desc, r, time.Since(started))
	return r
}

// runSingleton gates the dispatch on a cluster-wide lock named after the
// message type. Best effort: a partitioned stale holder is bounded by the
// lock TTL.
func (m *Mediator) runSingleton(ctx context.Context, reg *requestRegistration, req catga.Message) result.Result[any] {
	if m.opts.Locker == nil {
		return result.Fail[any](result.LockFailed, "%s requires a cluster lock, none configured", reg.desc.TypeName)
	}
	var key = "singleton:" + reg.desc.TypeName
	var h, err = m.opts.Locker.TryAcquire(ctx, key, 30*time.Second, 0)
	if err == dlock.ErrNotAcquired {
		return result.Fail[any](result.LockFailed, "singleton %s is active elsewhere", reg.desc.TypeName)
	} else if err != nil {
		return result.FailErr[any](result.LockFailed, err, "acquire singleton lock for %s", reg.desc.TypeName)
	}
	defer m.opts.Locker.Release(context.WithoutCancel(ctx), h)
	return m.invokeLocal(ctx, reg, req)
}

func (m *Mediator) isLeader(ctx context.Context) bool {
	return m.opts.Leader == nil || m.opts.Leader.IsLeader(ctx)
}

func (m *Mediator) ownsShard(key string) bool {
	return m.opts.Shards == nil || m.opts.Shards.Owns(key)
}

// Publish fans ev out to every local subscriber concurrently, then hands it
// to the event-publish pipeline for remote delivery (outbox or direct
// transport). Success iff all handlers succeed; otherwise the failure is
// PartialEventFailure with per-handler codes in metadata, and the event is
// dead-lettered.
func (m *Mediator) Publish(ctx context.Context, ev catga.Event) result.Result[catga.Void] {
	if err := ctx.Err(); err != nil {
		return result.FailErr[catga.Void](result.Cancelled, err, "publish cancelled before start")
	}

	m.mu.RLock()
	var regs = m.events[baseTypeOf(ev)]
	m.mu.RUnlock()

	var failures = m.fanOut(ctx, regs, ev)

	if pub := m.publishChain(ev); pub != nil {
		var r = pub(ctx, ev)
		if !r.OK() {
			failures = append(failures, handlerFailure{name: "publish", err: r.Err()})
		}
	}

	if len(failures) == 0 {
		return result.Ok(catga.Void{})
	}

	var out = result.Fail[catga.Void](result.PartialEventFailure,
		"%d of %d event handlers failed", len(failures), len(regs))
	for _, f := range failures {
		out = out.WithMetadata("failed:"+f.name, f.err.Message)
	}
	m.deadLetter(ctx, ev, failures)
	return out
}

type handlerFailure struct {
	name     string
	err      *result.Error
	attempts int
}

// fanOut runs every subscriber concurrently. Handler isolation comes from
// the pipeline's recover barrier; one failure never cancels the others.
func (m *Mediator) fanOut(ctx context.Context, regs []*eventRegistration, ev catga.Event) []handlerFailure {
	if len(regs) == 0 {
		return nil
	}
	var (
		mu       sync.Mutex
		failures []handlerFailure
		wg       sync.WaitGroup
	)
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *eventRegistration) {
			defer wg.Done()
			var r = m.builder.For(reg.desc, reg.invoke)(withScope(ctx), ev)
			observeDispatch(reg.desc, r, 0)
			if !r.OK() {
				var attempts = 1
				if v, ok := r.Metadata().Get("catga.attempts"); ok {
					if n, aerr := strconv.Atoi(v); aerr == nil && n > 0 {
						attempts = n
					}
				}
				mu.Lock()
				failures = append(failures, handlerFailure{name: reg.name, err: r.Err(), attempts: attempts})
				mu.Unlock()
			}
		}(reg)
	}
	wg.Wait()
	return failures
}

func (m *Mediator) deadLetter(ctx context.Context, ev catga.Event, failures []handlerFailure) {
	if m.opts.DLQ == nil {
		return
	}
	var payload, err = m.codec.Marshal(ev)
	if err != nil {
		log.WithField("error", err).Warn("dead-letter encode failed")
		return
	}
	var lastErr = failures[0].name + ": " + failures[0].err.Message
	var derr = m.opts.DLQ.Enqueue(context.WithoutCancel(ctx), dlq.Record{
		MessageID:     ev.MessageID(),
		Type:          codec.TypeNameOf(ev),
		Payload:       payload,
		LastError:     lastErr,
		Attempts:      failures[0].attempts,
		CorrelationID: ev.Correlation(),
	})
	if derr != nil {
		log.WithFields(log.Fields{"messageId": ev.MessageID(), "error": derr}).Warn("dead-letter enqueue failed")
	}
}

// publishChain returns the event-publish pipeline for ev: the outbox
// behavior may divert it, otherwise the direct transport publish runs. Nil
// when this node has no remote side at all.
func (m *Mediator) publishChain(ev catga.Event) pipeline.Handler {
	if m.opts.Transport == nil && !m.builder.Has(pipeline.OrderOutbox) {
		return nil
	}
	var d = pipeline.DescriptorFor(pipeline.EventPublish, ev, nil, codec.TypeNameOf(ev), catga.Transient)
	d.HandlerID = "publish"
	return m.builder.For(d, m.directPublish(d))
}

func (m *Mediator) directPublish(d pipeline.Descriptor) pipeline.Handler {
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		if m.opts.Transport == nil {
			return result.Ok[any](nil)
		}
		var payload, err = m.codec.Marshal(msg)
		if err != nil {
			return result.FailErr[any](result.SerializationFailed, err, "encode %s", d.TypeName)
		}
		var tc = transport.Context{
			MessageID:     msg.MessageID(),
			CorrelationID: msg.Correlation(),
			MessageType:   d.TypeName,
			SentAt:        time.Now(),
			Baggage:       catga.BaggageFrom(ctx),
		}
		if perr := m.opts.Transport.Publish(ctx, tc, payload); perr != nil {
			return result.FailErr[any](result.TransportFailed, perr, "publish %s", d.TypeName)
		}
		return result.Ok[any](nil)
	}
}

func baseTypeOf(v interface{}) reflect.Type {
	var t = reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// ShardRouter decides shard ownership for Sharded routing.
type ShardRouter interface {
	// Owns reports whether this node owns key.
	Owns(key string) bool
}

// StaticShards owns keys by hash over a fixed member list.
type StaticShards struct {
	Members []string
	Self    string
}

func (s StaticShards) Owns(key string) bool {
	if len(s.Members) == 0 {
		return true
	}
	var h = fnv.New32a()
	h.Write([]byte(key))
	return s.Members[int(h.Sum32())%len(s.Members)] == s.Self
}

// NewNodeID derives a process-unique node identity for consumer names and
// reply inboxes.
func NewNodeID() string { return uuid.NewString() }

// Close tears down transport subscriptions.
func (m *Mediator) Close() error {
	m.mu.Lock()
	var subs = m.subs
	m.subs = nil
	m.mu.Unlock()
	var firstErr error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe: %w", err)
		}
	}
	return firstErr
}
