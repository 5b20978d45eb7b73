package mediator

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/catga/catga"
	"github.com/catga/catga/pipeline"
	"github.com/catga/catga/result"
)

// RequestHandler handles one request type.
type RequestHandler[Req catga.Message, Resp any] interface {
	Handle(ctx context.Context, req Req) result.Result[Resp]
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc[Req catga.Message, Resp any] func(ctx context.Context, req Req) result.Result[Resp]

func (f RequestHandlerFunc[Req, Resp]) Handle(ctx context.Context, req Req) result.Result[Resp] {
	return f(ctx, req)
}

// EventHandler handles one event type. Fan-out runs every registered
// EventHandler for the event's dynamic type.
type EventHandler[E catga.Event] interface {
	Handle(ctx context.Context, ev E) result.Result[catga.Void]
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc[E catga.Event] func(ctx context.Context, ev E) result.Result[catga.Void]

func (f EventHandlerFunc[E]) Handle(ctx context.Context, ev E) result.Result[catga.Void] {
	return f(ctx, ev)
}

type requestRegistration struct {
	desc   pipeline.Descriptor
	invoke pipeline.Handler
}

type eventRegistration struct {
	name   string
	desc   pipeline.Descriptor
	invoke pipeline.Handler
}

// RegisterRequest binds handle as the single handler for Req. A second
// registration for the same type fails; ambiguity is rejected at startup,
// not at dispatch.
func RegisterRequest[Req catga.Message, Resp any](m *Mediator, handle func(ctx context.Context, req Req) result.Result[Resp]) error {
	return RegisterRequestHandler[Req, Resp](m, catga.Singleton,
		func() RequestHandler[Req, Resp] { return RequestHandlerFunc[Req, Resp](handle) })
}

// RegisterRequestHandler binds a handler factory for Req with the given
// lifetime: Singleton constructs once here, Scoped once per dispatch, and
// Transient once per invocation (so each retry attempt sees a fresh one).
func RegisterRequestHandler[Req catga.Message, Resp any](m *Mediator, lifetime catga.Lifetime, factory func() RequestHandler[Req, Resp]) error {
	var zero Req
	var respZero Resp
	var typeName = m.registry.Register(zero)
	if reflect.TypeOf(respZero) != nil {
		m.registry.Register(respZero)
	}

	var desc = pipeline.DescriptorFor(pipeline.Request, zero, respZero, typeName, lifetime)
	desc.HandlerID = typeName

	var resolve = lifetimeResolver(lifetime, typeName, factory)
	var invoke = func(ctx context.Context, msg catga.Message) result.Result[any] {
		var req, ok = typedMessage[Req](msg)
		if !ok {
			return result.Fail[any](result.SerializationFailed, "message is %T, want %s", msg, typeName)
		}
		return result.Erase(resolve(ctx).Handle(ctx, req))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.requests[desc.MessageType]; dup {
		return fmt.Errorf("mediator: request handler for %s already registered", typeName)
	}
	m.requests[desc.MessageType] = &requestRegistration{desc: desc, invoke: invoke}
	return nil
}

// RegisterRemoteRequest declares Req as handled elsewhere: Send routes it
// over the transport and decodes the reply into Resp. Used by client-only
// nodes.
func RegisterRemoteRequest[Req catga.Message, Resp any](m *Mediator) error {
	var zero Req
	var respZero Resp
	var typeName = m.registry.Register(zero)
	if reflect.TypeOf(respZero) != nil {
		m.registry.Register(respZero)
	}

	var desc = pipeline.DescriptorFor(pipeline.Request, zero, respZero, typeName, catga.Transient)
	desc.HandlerID = typeName

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.requests[desc.MessageType]; dup {
		return fmt.Errorf("mediator: request handler for %s already registered", typeName)
	}
	m.requests[desc.MessageType] = &requestRegistration{desc: desc}
	return nil
}

// RegisterEvent subscribes handle to events of type E under name. Multiple
// handlers per event type are the norm; name identifies each in failure
// metadata and logs.
func RegisterEvent[E catga.Event](m *Mediator, name string, handle func(ctx context.Context, ev E) result.Result[catga.Void]) error {
	return RegisterEventHandler[E](m, name, catga.Singleton,
		func() EventHandler[E] { return EventHandlerFunc[E](handle) })
}

// RegisterEventHandler subscribes a handler factory for E with the given
// lifetime.
func RegisterEventHandler[E catga.Event](m *Mediator, name string, lifetime catga.Lifetime, factory func() EventHandler[E]) error {
	var zero E
	var typeName = m.registry.Register(zero)

	var desc = pipeline.DescriptorFor(pipeline.Request, zero, nil, typeName, lifetime)
	desc.HandlerID = name

	var resolve = lifetimeResolver(lifetime, typeName+"#"+name, factory)
	var invoke = func(ctx context.Context, msg catga.Message) result.Result[any] {
		var ev, ok = typedMessage[E](msg)
		if !ok {
			return result.Fail[any](result.SerializationFailed, "message is %T, want %s", msg, typeName)
		}
		return result.Erase(resolve(ctx).Handle(ctx, ev))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.events[desc.MessageType] {
		if reg.name == name {
			return fmt.Errorf("mediator: event handler %q for %s already registered", name, typeName)
		}
	}
	m.events[desc.MessageType] = append(m.events[desc.MessageType], &eventRegistration{name: name, desc: desc, invoke: invoke})
	return nil
}

// typedMessage converts the erased message back to its concrete type,
// accepting the pointer form produced by wire decoding.
func typedMessage[T catga.Message](msg catga.Message) (T, bool) {
	if v, ok := msg.(T); ok {
		return v, true
	}
	if p, ok := any(msg).(*T); ok {
		return *p, true
	}
	var zero T
	return zero, false
}

// lifetimeResolver returns the per-dispatch handler resolution strategy.
func lifetimeResolver[H any](lifetime catga.Lifetime, key string, factory func() H) func(ctx context.Context) H {
	switch lifetime {
	case catga.Singleton:
		var instance = factory()
		return func(context.Context) H { return instance }
	case catga.Scoped:
		return func(ctx context.Context) H {
			if s := scopeFrom(ctx); s != nil {
				return s.resolve(key, func() interface{} { return factory() }).(H)
			}
			return factory()
		}
	default: // Transient
		return func(context.Context) H { return factory() }
	}
}

// dispatchScope shares Scoped handler instances across the behaviors and
// retry attempts of one dispatch.
type dispatchScope struct {
	mu        sync.Mutex
	instances map[string]interface{}
}

func (s *dispatchScope) resolve(key string, build func() interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.instances[key]; ok {
		return v
	}
	var v = build()
	s.instances[key] = v
	return v
}

type scopeKey struct{}

func withScope(ctx context.Context) context.Context {
	if scopeFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, &dispatchScope{instances: make(map[string]interface{})})
}

func scopeFrom(ctx context.Context) *dispatchScope {
	var s, _ = ctx.Value(scopeKey{}).(*dispatchScope)
	return s
}
