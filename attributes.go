package catga

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// RetryAttr tunes the retry stage for one message type. Zero fields fall
// back to the category defaults.
type RetryAttr struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Attributes declare cross-cutting behavior for a message type. They are
// read once at registration and attached to the handler descriptor; the
// pipeline consults descriptors, never reflection, at dispatch time.
type Attributes struct {
	// Idempotent records handled message ids in the inbox and replays the
	// cached result on duplicate delivery.
	Idempotent bool
	// Retry overrides the category retry policy.
	Retry *RetryAttr
	// Timeout bounds the handler invocation; zero means category default.
	Timeout time.Duration
	// CircuitBreaker wraps the handler in a breaker named after the
	// message type.
	CircuitBreaker bool
	// LockKey, when non-empty, is a template such as "order:{OrderID}"
	// expanded against the message's fields; the dispatch holds the named
	// distributed lock while the handler runs.
	LockKey string
	// Broadcast events are delivered to all nodes rather than load-balanced
	// over a queue group.
	Broadcast bool
	// LeaderOnly requests execute only on the current leader.
	LeaderOnly bool
	// ShardKey, when non-empty, names a message field whose hash selects
	// the owning node.
	ShardKey string
	// ClusterSingleton allows at most one active handler across the
	// cluster (best-effort: bounded by the lock TTL under partitions).
	ClusterSingleton bool
}

// Attributed messages declare Attributes. Message types without the
// interface get zero Attributes.
type Attributed interface {
	MessageAttributes() Attributes
}

// AttributesOf extracts the Attributes of a message type from its zero
// value. Called once at registration.
func AttributesOf(zero interface{}) Attributes {
	if a, ok := zero.(Attributed); ok {
		return a.MessageAttributes()
	}
	return Attributes{}
}

// ExpandKey expands a "{Field}" template against msg's exported fields.
// Unknown fields expand to the empty string.
func ExpandKey(template string, msg interface{}) string {
	var v = reflect.ValueOf(msg)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var b strings.Builder
	var rest = template
	for {
		var open = strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		var close = strings.IndexByte(rest[open:], '}')
		if close < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		var field = rest[open+1 : open+close]
		if v.Kind() == reflect.Struct {
			if fv := v.FieldByName(field); fv.IsValid() {
				b.WriteString(fmt.Sprint(fv.Interface()))
			}
		}
		rest = rest[open+close+1:]
	}
}
