// Package catga holds the message model shared by every subsystem: the base
// message shape, events, attribute descriptors, and context plumbing for
// correlation. Dispatch lives in package mediator; this package stays free
// of behavior so stores and transports can depend on it without cycles.
package catga

import (
	"time"
)

// Message is the base shape of everything routed by the mediator: a unique
// 64-bit monotonic id, an optional correlation id linking a causal chain,
// and a creation timestamp.
type Message interface {
	MessageID() uint64
	Correlation() string
	Created() time.Time
}

// Base is embedded by request messages to satisfy Message.
type Base struct {
	ID            uint64    `json:"messageId" msgpack:"messageId"`
	CorrelationID string    `json:"correlationId,omitempty" msgpack:"correlationId"`
	CreatedAt     time.Time `json:"createdAt" msgpack:"createdAt"`
}

func (b Base) MessageID() uint64   { return b.ID }
func (b Base) Correlation() string { return b.CorrelationID }
func (b Base) Created() time.Time  { return b.CreatedAt }

// Event is a message delivered to zero-or-more subscribers.
type Event interface {
	Message
	Occurred() time.Time
}

// EventBase is embedded by event messages to satisfy Event.
type EventBase struct {
	Base
	OccurredAt time.Time `json:"occurredAt" msgpack:"occurredAt"`
}

func (b EventBase) Occurred() time.Time { return b.OccurredAt }

// Void is the response type of operations with no payload, such as event
// handlers and fire-and-forget commands.
type Void struct{}

// Validatable messages declare constraints checked by the validation
// behavior before the handler runs.
type Validatable interface {
	Validate() error
}

// Lifetime controls how handler instances are created per dispatch.
type Lifetime int

const (
	// Transient constructs a fresh handler for every dispatch.
	Transient Lifetime = iota
	// Scoped constructs one handler per logical request, shared by retries
	// of the same dispatch.
	Scoped
	// Singleton constructs the handler once at registration.
	Singleton
)

func (l Lifetime) String() string {
	switch l {
	case Scoped:
		return "scoped"
	case Singleton:
		return "singleton"
	default:
		return "transient"
	}
}
