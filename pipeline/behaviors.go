package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catga/catga"
	"github.com/catga/catga/codec"
	"github.com/catga/catga/dlock"
	"github.com/catga/catga/idempotency"
	"github.com/catga/catga/outbox"
	"github.com/catga/catga/resilience"
	"github.com/catga/catga/result"
)

// Tracing seeds the context with the message's correlation id when the
// caller did not establish one, so every downstream log line and outgoing
// message carries the chain.
type Tracing struct{}

func (Tracing) Name() string { return "tracing" }
func (Tracing) Order() int { return OrderTracing }
func (Tracing) Applies(Descriptor) bool { return true }

func (Tracing) Wrap(d Descriptor, next Handler) Handler {
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		if catga.CorrelationFrom(ctx) == "" && msg.Correlation() != "" {
			ctx = catga.WithCorrelation(ctx, msg.Correlation())
		}
		return next(ctx, msg)
	}
}

// Logging emits one structured line per dispatch with the outcome and
// duration.
type Logging struct{}

func (Logging) Name() string { return "logging" }
func (Logging) Order() int { return OrderLogging }
func (Logging) Applies(Descriptor) bool { return true }

func (Logging) Wrap(d Descriptor, next Handler) Handler {
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		var started = time.Now()
		var r = next(ctx, msg)

		var entry = log.WithFields(log.Fields{
			"kind":        d.Kind.String(),
			"messageType": d.TypeName,
			"messageId":   msg.MessageID(),
			"correlation": catga.CorrelationFrom(ctx),
			"durationMs":  time.Since(started).Milliseconds(),
		})
		if r.OK() {
			entry.Debug("message handled")
		} else {
			entry.WithField("code", r.Code()).Warn("message failed")
		}
		return r
	}
}

// Idempotency is the inbox stage: the first delivery of a message id runs
// the handler and caches its outcome; duplicates replay the cached result
// without re-executing. Transient failures are not cached, so the pending
// marker expires and a redelivery gets a fresh attempt. Business failures
// (validation, not-found, domain rejections) are cached like successes:
// re-running the handler cannot change the answer, so duplicates replay
// the same failure instead of re-executing side effects.
type Idempotency struct {
	Store idempotency.Store
	Codec codec.Codec
}

func (Idempotency) Name() string { return "idempotency" }
func (Idempotency) Order() int { return OrderIdempotency }
func (Idempotency) Applies(d Descriptor) bool { return d.Attrs.Idempotent }

func (b Idempotency) Wrap(d Descriptor, next Handler) Handler {
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		var id = msg.MessageID()
		var state, err = b.Store.TryBeginProcess(ctx, id)
		if err != nil {
			return result.FailErr[any](result.PersistenceFailed, err, "inbox begin for message %d", id)
		}

		switch state {
		case idempotency.Duplicate:
			return b.replay(ctx, d, id)
		case idempotency.InProgress:
			return result.Fail[any](result.ConcurrencyConflict, "message %d is being processed elsewhere", id)
		}

		var r = next(ctx, msg)
		if !r.OK() && r.Code().Transient() {
			return r
		}
		var env, eerr = result.ToEnvelope(r, b.Codec.Marshal)
		if eerr != nil {
			return result.FailErr[any](result.SerializationFailed, eerr, "cache result for message %d", id)
		}
		var raw, merr = b.Codec.Marshal(env)
		if merr != nil {
			return result.FailErr[any](result.SerializationFailed, merr, "cache result for message %d", id)
		}
		if cerr := b.Store.Complete(ctx, id, raw); cerr != nil {
			log.WithFields(log.Fields{"messageId": id, "error": cerr}).Warn("inbox complete failed")
		}
		return r.WithMetadata("catga.idempotency", "first")
	}
}

func (b Idempotency) replay(ctx context.Context, d Descriptor, id uint64) result.Result[any] {
	var cached, ok, err = b.Store.GetCached(ctx, id)
	if err != nil {
		return result.FailErr[any](result.PersistenceFailed, err, "inbox lookup for message %d", id)
	}
	if !ok || len(cached) == 0 {
		return result.Ok[any](nil).WithMetadata("catga.idempotency", "duplicate")
	}
	var env result.Envelope
	if uerr := b.Codec.Unmarshal(cached, &env); uerr != nil {
		return result.FailErr[any](result.SerializationFailed, uerr, "decode cached result for message %d", id)
	}
	var newValue func() interface{}
	if d.ResponseType != nil {
		var t = d.ResponseType
		newValue = func() interface{} { return reflect.New(t).Interface() }
	}
	return env.ToResult(newValue, b.Codec.Unmarshal).WithMetadata("catga.idempotency", "duplicate")
}

// DistributedLock serializes handlers across the cluster on a key expanded
// from the message's fields.
type DistributedLock struct {
	Locker dlock.Locker
	// TTL bounds how long a crashed holder blocks others (default 30s).
	TTL time.Duration
	// WaitTimeout is how long acquisition may wait (default 5s).
	WaitTimeout time.Duration
}

func (DistributedLock) Name() string { return "distributed-lock" }
func (DistributedLock) Order() int { return OrderLock }
func (DistributedLock) Applies(d Descriptor) bool { return d.Attrs.LockKey != "" }

func (b DistributedLock) Wrap(d Descriptor, next Handler) Handler {
	var ttl = b.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	var wait = b.WaitTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		var key = catga.ExpandKey(d.Attrs.LockKey, msg)
		var h, err = b.Locker.TryAcquire(ctx, key, ttl, wait)
		if errors.Is(err, dlock.ErrNotAcquired) {
			return result.Fail[any](result.LockFailed, "lock %q not acquired within %s", key, wait)
		} else if err != nil {
			return result.FailErr[any](result.LockFailed, err, "acquire lock %q", key)
		}
		defer func() {
			if rerr := b.Locker.Release(context.WithoutCancel(ctx), h); rerr != nil {
				log.WithFields(log.Fields{"key": key, "error": rerr}).Warn("lock release failed")
			}
		}()
		return next(ctx, msg)
	}
}

// Validation rejects messages whose Validate fails, before any side effect.
type Validation struct{}

func (Validation) Name() string { return "validation" }
func (Validation) Order() int { return OrderValidation }

var validatableType = reflect.TypeOf((*catga.Validatable)(nil)).Elem()

func (Validation) Applies(d Descriptor) bool {
	if d.MessageType == nil {
		return false
	}
	return d.MessageType.Implements(validatableType) ||
		reflect.PtrTo(d.MessageType).Implements(validatableType)
}

func (Validation) Wrap(d Descriptor, next Handler) Handler {
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		if v, ok := msg.(catga.Validatable); ok {
			if err := v.Validate(); err != nil {
				return result.FailErr[any](result.ValidationFailed, err, "message %s rejected", d.TypeName)
			}
		}
		return next(ctx, msg)
	}
}

// Resilience wraps the handler in the composed timeout/retry/bulkhead/
// breaker stack. Message types without the CircuitBreaker attribute share
// one pipeline per kind; types with it get a dedicated pipeline whose
// breaker is named after the type, so their failures trip in isolation.
type Resilience struct {
	// Base is the category configuration; per-message attributes override
	// Timeout and Retry.
	Base resilience.Config

	mu        sync.Mutex
	pipelines map[string]*resilience.Pipeline
}

// NewResilience returns the behavior with the given base configuration.
func NewResilience(base resilience.Config) *Resilience {
	return &Resilience{Base: base, pipelines: make(map[string]*resilience.Pipeline)}
}

func (*Resilience) Name() string { return "resilience" }
func (*Resilience) Order() int { return OrderResilience }
func (*Resilience) Applies(Descriptor) bool { return true }

func (b *Resilience) pipelineFor(d Descriptor) *resilience.Pipeline {
	var name = d.Kind.String()
	if d.Attrs.CircuitBreaker {
		name = d.TypeName
	}

	var cfg = b.Base
	if d.Attrs.Timeout > 0 {
		cfg.Timeout = d.Attrs.Timeout
	}
	if r := d.Attrs.Retry; r != nil {
		if r.MaxAttempts > 0 {
			cfg.Retry.MaxAttempts = r.MaxAttempts
		}
		if r.BaseDelay > 0 {
			cfg.Retry.BaseDelay = r.BaseDelay
		}
		if r.MaxDelay > 0 {
			cfg.Retry.MaxDelay = r.MaxDelay
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pipelines[name]; ok {
		return p
	}
	var p = resilience.NewPipeline(name, cfg)
	b.pipelines[name] = p
	return p
}

func (b *Resilience) Wrap(d Descriptor, next Handler) Handler {
	var p = b.pipelineFor(d)
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		var attempts atomic.Int32
		var r = p.Execute(ctx, func(ctx context.Context) result.Result[any] {
			attempts.Add(1)
			return next(ctx, msg)
		})
		// Downstream stages (the dead-letter path in particular) want the
		// real delivery count, not a guess.
		if n := attempts.Load(); !r.OK() && n > 0 {
			r = r.WithMetadata("catga.attempts", strconv.Itoa(int(n)))
		}
		return r
	}
}

// Outbox diverts event publication into the durable outbox instead of the
// transport; the publisher loop delivers later. The wrapped next stage (the
// direct transport publish) is not invoked.
type Outbox struct {
	Store outbox.Store
	Codec codec.Codec
	// NextID allocates outbox record ids.
	NextID func() (uint64, error)
}

func (Outbox) Name() string { return "outbox" }
func (Outbox) Order() int { return OrderOutbox }
func (Outbox) Applies(d Descriptor) bool { return d.Kind == EventPublish }

func (b Outbox) Wrap(d Descriptor, next Handler) Handler {
	return func(ctx context.Context, msg catga.Message) result.Result[any] {
		var payload, err = b.Codec.Marshal(msg)
		if err != nil {
			return result.FailErr[any](result.SerializationFailed, err, "encode %s for outbox", d.TypeName)
		}
		var id, iderr = b.NextID()
		if iderr != nil {
			return result.FailErr[any](result.Unexpected, iderr, "allocate outbox record id")
		}
		var rec = outbox.Record{
			ID:            id,
			MessageID:     msg.MessageID(),
			CorrelationID: msg.Correlation(),
			MessageType:   d.TypeName,
			Payload:       payload,
			Status:        outbox.Pending,
			CreatedAt:     time.Now(),
		}
		if aerr := b.Store.Append(ctx, rec); aerr != nil {
			return result.FailErr[any](result.PersistenceFailed, aerr, "append %s to outbox", d.TypeName)
		}
		return result.Ok[any](nil).WithMetadata("catga.outbox", "queued")
	}
}
