// Package transport abstracts message delivery over subject-based pub/sub
// with queue groups. Delivery is at-least-once on the networked backends;
// duplicates are absorbed by the inbox when the Idempotent behavior is
// applied.
package transport

import (
	"context"
	"time"
)

// Wire header names carried by every message.
const (
	HeaderMessageID     = "catga.message_id"
	HeaderCorrelationID = "catga.correlation_id"
	HeaderMessageType   = "catga.message_type"
	HeaderSentAt        = "catga.sent_at"
	HeaderTraceParent   = "traceparent"
	HeaderTraceState    = "tracestate"
	HeaderBaggage       = "catga.trace_baggage"
)

// Subject name derivation.
const (
	requestSubjectPrefix = "catga.request."
	eventSubjectPrefix   = "catga.event."
	replySubjectPrefix   = "catga.reply."
)

// RequestSubject returns the subject for requests of the given
// fully-qualified type name.
func RequestSubject(typeFqn string) string { return requestSubjectPrefix + typeFqn }

// EventSubject returns the subject for events of the given type name.
func EventSubject(typeFqn string) string { return eventSubjectPrefix + typeFqn }

// ReplySubject returns the reply subject for the given reply id.
func ReplySubject(replyID string) string { return replySubjectPrefix + replyID }

// Context is the delivery metadata propagated with every message.
type Context struct {
	MessageID     uint64
	CorrelationID string
	MessageType   string
	SentAt        time.Time
	TraceParent   string
	TraceState    string
	Baggage       map[string]string
	// Headers carries free-form application headers.
	Headers map[string]string
}

// Delivery is a received message: its transport context plus the serialized
// body.
type Delivery struct {
	Context
	Payload []byte
}

// Handler consumes a delivery. For request subjects the returned bytes are
// the serialized reply; event handlers return nil bytes.
type Handler func(ctx context.Context, d Delivery) ([]byte, error)

// Subscription is an active subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Publisher is the outbound half of a Transport, used by the outbox
// publisher loop and DLQ replay.
type Publisher interface {
	// Publish delivers to all subscribers of the subject for tc.MessageType
	// (one per queue group). Fire-and-forget.
	Publish(ctx context.Context, tc Context, payload []byte) error
}

// Transport sends and receives messages on subjects.
type Transport interface {
	Publisher
	// SendAndReceive performs request/reply against the single owner of the
	// request subject's queue group.
	SendAndReceive(ctx context.Context, tc Context, payload []byte, timeout time.Duration) ([]byte, error)
	// Subscribe registers h on subject. With a queueGroup, exactly one
	// member of the group receives each message.
	Subscribe(subject, queueGroup string, h Handler) (Subscription, error)
	Close() error
}
