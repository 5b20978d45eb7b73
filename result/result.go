// Package result carries the typed success/failure outcome of every catga
// operation. Business failures are values, never panics; infrastructure
// faults cross into this model only at the outermost pipeline boundary.
package result

import (
	"fmt"
)

// Code is one member of the closed error taxonomy.
type Code string

const (
	ValidationFailed    Code = "ValidationFailed"
	HandlerNotFound     Code = "HandlerNotFound"
	HandlerAmbiguous    Code = "HandlerAmbiguous"
	HandlerFailed       Code = "HandlerFailed"
	PartialEventFailure Code = "PartialEventFailure"
	PipelineFailed      Code = "PipelineFailed"
	Timeout             Code = "Timeout"
	Cancelled           Code = "Cancelled"
	CircuitOpen         Code = "CircuitOpen"
	Overloaded          Code = "Overloaded"
	SerializationFailed Code = "SerializationFailed"
	PersistenceFailed   Code = "PersistenceFailed"
	LockFailed          Code = "LockFailed"
	TransportFailed     Code = "TransportFailed"
	ConcurrencyConflict Code = "ConcurrencyConflict"
	NotLeader           Code = "NotLeader"
	ClockRegression     Code = "ClockRegression"
	Unexpected          Code = "Unexpected"
)

// Transient reports whether failures with this code are candidates for retry.
// ConcurrencyConflict is retried only by the flow engine's bounded CAS loop,
// not by the general resilience stage.
func (c Code) Transient() bool {
	switch c {
	case Timeout, TransportFailed, PersistenceFailed, Overloaded:
		return true
	}
	return false
}

// Error is a failed outcome: a taxonomy code, a human message, and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Result is a tagged success-or-failure carrier for a value of type T,
// with an ordered metadata bag that propagates across pipeline stages.
type Result[T any] struct {
	value T
	err   *Error
	meta  Metadata
}

// Ok returns a successful Result holding value.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Fail returns a failed Result with the given code and message.
func Fail[T any](code Code, format string, args ...interface{}) Result[T] {
	return Result[T]{err: &Error{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// FailWith returns a failed Result from an existing *Error.
func FailWith[T any](err *Error) Result[T] {
	return Result[T]{err: err}
}

// FailErr returns a failed Result with the given code wrapping cause.
func FailErr[T any](code Code, cause error, format string, args ...interface{}) Result[T] {
	return Result[T]{err: &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}}
}

// OK reports whether the Result is a success.
func (r Result[T]) OK() bool { return r.err == nil }

// Value returns the success value (zero value on failure).
func (r Result[T]) Value() T { return r.value }

// Err returns the failure, or nil on success.
func (r Result[T]) Err() *Error { return r.err }

// Code returns the failure code, or "" on success.
func (r Result[T]) Code() Code {
	if r.err == nil {
		return ""
	}
	return r.err.Code
}

// Metadata returns the metadata bag (possibly nil).
func (r Result[T]) Metadata() Metadata { return r.meta }

// WithMetadata returns a copy of the Result with key set to value.
func (r Result[T]) WithMetadata(key, value string) Result[T] {
	r.meta = r.meta.Set(key, value)
	return r
}

// WithMeta returns a copy of the Result carrying the merged metadata bag.
func (r Result[T]) WithMeta(meta Metadata) Result[T] {
	for _, kv := range meta {
		r.meta = r.meta.Set(kv.Key, kv.Value)
	}
	return r
}

// Map applies fn to the success value, passing failures through unchanged.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err, meta: r.meta}
	}
	return Result[U]{value: fn(r.value), meta: r.meta}
}

// Bind chains a Result-producing fn over the success value. Metadata of r is
// carried onto the bound result.
func Bind[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err, meta: r.meta}
	}
	var out = fn(r.value)
	out.meta = r.meta.Merge(out.meta)
	return out
}

// Erase converts a typed Result into a Result[any] for pipeline transit.
func Erase[T any](r Result[T]) Result[any] {
	if r.err != nil {
		return Result[any]{err: r.err, meta: r.meta}
	}
	return Result[any]{value: r.value, meta: r.meta}
}

// As converts a Result[any] back to its typed form. A success value of the
// wrong dynamic type yields a SerializationFailed failure.
func As[T any](r Result[any]) Result[T] {
	if r.err != nil {
		return Result[T]{err: r.err, meta: r.meta}
	}
	if r.value == nil {
		return Result[T]{meta: r.meta}
	}
	if v, ok := r.value.(T); ok {
		return Result[T]{value: v, meta: r.meta}
	}
	// Values rehydrated from a cache or the wire arrive as pointers.
	if pv, ok := r.value.(*T); ok {
		return Result[T]{value: *pv, meta: r.meta}
	}
	return Result[T]{
		err:  &Error{Code: SerializationFailed, Message: fmt.Sprintf("unexpected response type %T", r.value)},
		meta: r.meta,
	}
}
