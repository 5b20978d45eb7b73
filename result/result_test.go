package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultSuccessAndFailure(t *testing.T) {
	var ok = Ok(42)
	require.True(t, ok.OK())
	require.Equal(t, 42, ok.Value())
	require.Nil(t, ok.Err())

	var fail = Fail[int](Timeout, "deadline of %s exceeded", "5s")
	require.False(t, fail.OK())
	require.Equal(t, Timeout, fail.Code())
	require.Equal(t, "deadline of 5s exceeded", fail.Err().Message)
}

func TestErrorWrapsCause(t *testing.T) {
	var cause = errors.New("conn refused")
	var r = FailErr[string](TransportFailed, cause, "publishing order")

	require.ErrorIs(t, r.Err(), cause)
	require.Contains(t, r.Err().Error(), "TransportFailed")
	require.Contains(t, r.Err().Error(), "conn refused")
}

func TestMapAndBind(t *testing.T) {
	var doubled = Map(Ok(21), func(v int) int { return v * 2 })
	require.Equal(t, 42, doubled.Value())

	var bound = Bind(Ok(21), func(v int) Result[string] {
		return Ok("n=21").WithMetadata("stage", "bind")
	})
	require.True(t, bound.OK())

	var failed = Fail[int](ValidationFailed, "qty must be positive")
	var mapped = Map(failed, func(v int) int { return v * 2 })
	require.Equal(t, ValidationFailed, mapped.Code())

	var notCalled = false
	_ = Bind(failed, func(v int) Result[int] {
		notCalled = true
		return Ok(v)
	})
	require.False(t, notCalled)
}

func TestMetadataPropagatesThroughBind(t *testing.T) {
	var r = Ok(1).WithMetadata("correlationId", "C1")
	var out = Bind(r, func(v int) Result[int] {
		return Ok(v + 1).WithMetadata("stage", "two")
	})

	var got, okc = out.Metadata().Get("correlationId")
	require.True(t, okc)
	require.Equal(t, "C1", got)
	got, okc = out.Metadata().Get("stage")
	require.True(t, okc)
	require.Equal(t, "two", got)
}

func TestMetadataOrderedAndCopyOnWrite(t *testing.T) {
	var base = Metadata{}.Set("a", "1").Set("b", "2")
	var updated = base.Set("a", "9")

	// Original is untouched; order is preserved.
	var v, _ = base.Get("a")
	require.Equal(t, "1", v)
	require.Equal(t, "a", updated[0].Key)
	require.Equal(t, "9", updated[0].Value)
	require.Equal(t, "b", updated[1].Key)
}

func TestEraseAndAs(t *testing.T) {
	var typed = Ok("hello").WithMetadata("k", "v")
	var erased = Erase(typed)
	var back = As[string](erased)
	require.Equal(t, "hello", back.Value())
	var v, okm = back.Metadata().Get("k")
	require.True(t, okm)
	require.Equal(t, "v", v)

	var wrong = As[int](erased)
	require.Equal(t, SerializationFailed, wrong.Code())

	var failure = Erase(Fail[string](CircuitOpen, "breaker mediator open"))
	require.Equal(t, CircuitOpen, As[string](failure).Code())
}

func TestTransientClassification(t *testing.T) {
	for _, c := range []Code{Timeout, TransportFailed, PersistenceFailed, Overloaded} {
		require.True(t, c.Transient(), c)
	}
	for _, c := range []Code{ValidationFailed, HandlerNotFound, CircuitOpen, Cancelled, ConcurrencyConflict} {
		require.False(t, c.Transient(), c)
	}
}
