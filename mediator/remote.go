package mediator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/catga/catga"
	"github.com/catga/catga/pipeline"
	"github.com/catga/catga/result"
	"github.com/catga/catga/transport"
)

// BindTransport subscribes every registered request and event type on the
// configured transport, so remote nodes can dispatch to this one. Call after
// all registrations.
func (m *Mediator) BindTransport() error {
	var t = m.opts.Transport
	if t == nil {
		return errors.New("mediator: no transport configured")
	}

	m.mu.RLock()
	var requests = make([]*requestRegistration, 0, len(m.requests))
	for _, reg := range m.requests {
		requests = append(requests, reg)
	}
	var eventTypes = make(map[reflect.Type][]*eventRegistration, len(m.events))
	for typ, regs := range m.events {
		eventTypes[typ] = regs
	}
	m.mu.RUnlock()

	var subs []transport.Subscription
	for _, reg := range requests {
		var sub, err = t.Subscribe(
			transport.RequestSubject(reg.desc.TypeName), reg.desc.TypeName, m.requestReceiver(reg))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", reg.desc.TypeName, err)
		}
		subs = append(subs, sub)
	}
	for _, regs := range eventTypes {
		var desc = regs[0].desc
		// Broadcast events skip the queue group so every node gets a copy.
		var group = desc.TypeName
		if desc.Attrs.Broadcast {
			group = ""
		}
		var sub, err = t.Subscribe(transport.EventSubject(desc.TypeName), group, m.eventReceiver(desc.TypeName))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", desc.TypeName, err)
		}
		subs = append(subs, sub)
	}

	m.mu.Lock()
	m.subs = append(m.subs, subs...)
	m.mu.Unlock()
	return nil
}

// requestReceiver decodes an inbound request, runs the local pipeline, and
// replies with the serialized result envelope.
func (m *Mediator) requestReceiver(reg *requestRegistration) transport.Handler {
	return func(ctx context.Context, d transport.Delivery) ([]byte, error) {
		var msg, err = m.decode(d)
		if err != nil {
			return nil, err
		}
		ctx = contextFromDelivery(ctx, d)
		var r = m.invokeLocal(ctx, reg, msg)
		var env, eerr = result.ToEnvelope(r, m.codec.Marshal)
		if eerr != nil {
			return nil, fmt.Errorf("encode reply for %s: %w", reg.desc.TypeName, eerr)
		}
		return m.codec.Marshal(env)
	}
}

// eventReceiver decodes an inbound event and fans it out to the local
// subscribers. A failed fan-out returns the error so the transport
// redelivers; the inbox absorbs the duplicates.
func (m *Mediator) eventReceiver(typeName string) transport.Handler {
	return func(ctx context.Context, d transport.Delivery) ([]byte, error) {
		var msg, err = m.decode(d)
		if err != nil {
			return nil, err
		}
		var ev, ok = msg.(catga.Event)
		if !ok {
			return nil, fmt.Errorf("%s is not an event", typeName)
		}
		ctx = contextFromDelivery(ctx, d)

		m.mu.RLock()
		var regs = m.events[baseTypeOf(ev)]
		m.mu.RUnlock()
		if failures := m.fanOut(ctx, regs, ev); len(failures) > 0 {
			m.deadLetter(ctx, ev, failures)
			return nil, fmt.Errorf("%d handlers failed for %s", len(failures), typeName)
		}
		return nil, nil
	}
}

func (m *Mediator) decode(d transport.Delivery) (catga.Message, error) {
	var v, err = m.registry.New(d.MessageType)
	if err != nil {
		return nil, err
	}
	if uerr := m.codec.Unmarshal(d.Payload, v); uerr != nil {
		return nil, fmt.Errorf("decode %s: %w", d.MessageType, uerr)
	}
	var msg, ok = v.(catga.Message)
	if !ok {
		return nil, fmt.Errorf("%s does not implement Message", d.MessageType)
	}
	return msg, nil
}

func contextFromDelivery(ctx context.Context, d transport.Delivery) context.Context {
	if d.CorrelationID != "" {
		ctx = catga.WithCorrelation(ctx, d.CorrelationID)
	}
	if len(d.Baggage) > 0 {
		ctx = catga.WithBaggage(ctx, d.Baggage)
	}
	return ctx
}

// sendRemote performs request/reply against the node owning the request's
// queue group (or shard).
func (m *Mediator) sendRemote(ctx context.Context, desc pipeline.Descriptor, req catga.Message) result.Result[any] {
	if m.opts.Transport == nil {
		return result.Fail[any](result.TransportFailed, "%s is owned by another node and no transport is configured", desc.TypeName)
	}
	var payload, err = m.codec.Marshal(req)
	if err != nil {
		return result.FailErr[any](result.SerializationFailed, err, "encode %s", desc.TypeName)
	}
	var tc = transport.Context{
		MessageID:     req.MessageID(),
		CorrelationID: req.Correlation(),
		MessageType:   desc.TypeName,
		SentAt:        time.Now(),
		Baggage:       catga.BaggageFrom(ctx),
	}

	var raw, serr = m.opts.Transport.SendAndReceive(ctx, tc, payload, m.opts.SendTimeout)
	if serr != nil {
		if errors.Is(serr, context.DeadlineExceeded) {
			return result.FailErr[any](result.Timeout, serr, "remote %s timed out after %s", desc.TypeName, m.opts.SendTimeout)
		}
		if errors.Is(serr, context.Canceled) {
			return result.FailErr[any](result.Cancelled, serr, "remote %s cancelled", desc.TypeName)
		}
		return result.FailErr[any](result.TransportFailed, serr, "remote %s", desc.TypeName)
	}

	var env result.Envelope
	if uerr := m.codec.Unmarshal(raw, &env); uerr != nil {
		return result.FailErr[any](result.SerializationFailed, uerr, "decode reply for %s", desc.TypeName)
	}
	var newValue func() interface{}
	if desc.ResponseType != nil {
		var t = desc.ResponseType
		newValue = func() interface{} { return reflect.New(t).Interface() }
	}
	return env.ToResult(newValue, m.codec.Unmarshal)
}

// SendEnvelope dispatches a payload decoded from the wire by type name,
// used by DLQ replay tooling.
func (m *Mediator) SendEnvelope(ctx context.Context, typeName string, payload []byte) result.Result[any] {
	var v, err = m.registry.New(typeName)
	if err != nil {
		return result.FailErr[any](result.HandlerNotFound, err, "unknown message type %s", typeName)
	}
	if uerr := m.codec.Unmarshal(payload, v); uerr != nil {
		return result.FailErr[any](result.SerializationFailed, uerr, "decode %s", typeName)
	}
	if ev, ok := v.(catga.Event); ok {
		return result.Erase(m.Publish(ctx, ev))
	}
	if msg, ok := v.(catga.Message); ok {
		return m.send(ctx, msg)
	}
	return result.Fail[any](result.SerializationFailed, "%s does not implement Message", typeName)
}
