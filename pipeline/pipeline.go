// Package pipeline composes ordered cross-cutting behaviors around message
// handlers. Behaviors are selected per message type from its registration
// descriptor; composed chains are cached, so dispatch pays no reflection.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/catga/catga"
	"github.com/catga/catga/result"
)

// Kind distinguishes request dispatches from event deliveries.
type Kind int

const (
	Request Kind = iota
	EventPublish
)

func (k Kind) String() string {
	if k == EventPublish {
		return "event"
	}
	return "request"
}

// Canonical orders of the standard behaviors. Lower runs outermost. Custom
// behaviors slot anywhere between them.
const (
	OrderTracing     = 100
	OrderLogging     = 200
	OrderIdempotency = 300
	OrderLock        = 400
	OrderValidation  = 500
	OrderResilience  = 600
	OrderOutbox      = 700
)

// Descriptor is the per-message-type registration record the behaviors
// consult. Built once at registration; never mutated afterwards.
type Descriptor struct {
	Kind         Kind
	MessageType  reflect.Type
	ResponseType reflect.Type
	TypeName     string
	// HandlerID disambiguates chains when one message type has several
	// handlers (event fan-out) or both a delivery and a publish chain.
	HandlerID string
	Attrs     catga.Attributes
	Lifetime  catga.Lifetime
}

func (d Descriptor) cacheKey() string {
	return d.TypeName + "#" + d.HandlerID + "#" + d.Kind.String()
}

// Handler is the erased form every behavior wraps. Typed edges convert via
// result.Erase and result.As.
type Handler func(ctx context.Context, msg catga.Message) result.Result[any]

// Behavior wraps handlers for the message types it applies to.
type Behavior interface {
	Name() string
	// Order positions the behavior in the chain; lower is outermost.
	Order() int
	// Applies reports whether the behavior participates for d.
	Applies(d Descriptor) bool
	Wrap(d Descriptor, next Handler) Handler
}

// chainCacheSize bounds the composed-chain cache. Message type sets are
// small; the bound only guards against unbounded dynamic registration.
const chainCacheSize = 1024

// Builder assembles and caches behavior chains.
type Builder struct {
	behaviors []Behavior
	cache     *lru.Cache[string, Handler]
}

// NewBuilder returns a Builder over the given behaviors, in any order.
func NewBuilder(behaviors ...Behavior) *Builder {
	var cache, _ = lru.New[string, Handler](chainCacheSize)
	var b = &Builder{cache: cache}
	for _, bh := range behaviors {
		b.Use(bh)
	}
	return b
}

// Use adds a behavior, keeping the set sorted by Order. Ties keep insertion
// order. Adding a behavior invalidates cached chains.
func (b *Builder) Use(bh Behavior) {
	b.behaviors = append(b.behaviors, bh)
	sort.SliceStable(b.behaviors, func(i, j int) bool {
		return b.behaviors[i].Order() < b.behaviors[j].Order()
	})
	b.cache.Purge()
}

// Has reports whether any installed behavior declares the given order.
func (b *Builder) Has(order int) bool {
	for _, bh := range b.behaviors {
		if bh.Order() == order {
			return true
		}
	}
	return false
}

// For returns the composed chain for d around handler, building and caching
// it on first use.
func (b *Builder) For(d Descriptor, handler Handler) Handler {
	if chain, ok := b.cache.Get(d.cacheKey()); ok {
		return chain
	}
	var chain = b.compose(d, handler)
	b.cache.Add(d.cacheKey(), chain)
	return chain
}

// compose wraps handler inside-out: the highest-order behavior wraps first,
// so the lowest-order one ends up outermost. A recover barrier sits outside
// everything; handler panics become Unexpected failures, never crashes.
func (b *Builder) compose(d Descriptor, handler Handler) Handler {
	var chain = handler
	for i := len(b.behaviors) - 1; i >= 0; i-- {
		var bh = b.behaviors[i]
		if bh.Applies(d) {
			chain = bh.Wrap(d, chain)
		}
	}
	return recoverBarrier(d, chain)
}

func recoverBarrier(d Descriptor, next Handler) Handler {
	return func(ctx context.Context, msg catga.Message) (r result.Result[any]) {
		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{
					"messageType": d.TypeName,
					"panic":       p,
					"stack":       string(debug.Stack()),
				}).Error("handler panicked")
				r = result.Fail[any](result.Unexpected, "handler panic: %v", p)
			}
		}()
		return next(ctx, msg)
	}
}

// DescriptorFor builds a Descriptor from zero values of the message and
// response types.
func DescriptorFor(kind Kind, msgZero, respZero interface{}, typeName string, lifetime catga.Lifetime) Descriptor {
	var d = Descriptor{
		Kind:        kind,
		MessageType: baseType(msgZero),
		TypeName:    typeName,
		Attrs:       catga.AttributesOf(msgZero),
		Lifetime:    lifetime,
	}
	if respZero != nil {
		d.ResponseType = baseType(respZero)
	}
	return d
}

func baseType(v interface{}) reflect.Type {
	var t = reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// funcBehavior adapts plain functions into Behaviors for custom stages.
type funcBehavior struct {
	name      string
	order     int
	condition func(Descriptor) bool
	wrap      func(Descriptor, Handler) Handler
}

func (f *funcBehavior) Name() string { return f.name }
func (f *funcBehavior) Order() int   { return f.order }
func (f *funcBehavior) Applies(d Descriptor) bool {
	return f.condition == nil || f.condition(d)
}
func (f *funcBehavior) Wrap(d Descriptor, next Handler) Handler { return f.wrap(d, next) }

// NewBehavior builds a custom Behavior from a wrap function. A nil condition
// applies to every message type.
func NewBehavior(name string, order int, condition func(Descriptor) bool, wrap func(Descriptor, Handler) Handler) Behavior {
	if wrap == nil {
		panic(fmt.Sprintf("pipeline: behavior %q has no wrap function", name))
	}
	return &funcBehavior{name: name, order: order, condition: condition, wrap: wrap}
}
