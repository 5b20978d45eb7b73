package result

// Envelope is the serialized form of a Result crossing a process or cache
// boundary: remote replies and the idempotency cache both carry one. Value
// holds the codec-encoded success payload; the caller supplies the codec
// since this package stays serialization-free.
type Envelope struct {
	OK      bool     `json:"ok" msgpack:"ok"`
	Code    Code     `json:"code,omitempty" msgpack:"code"`
	Message string   `json:"message,omitempty" msgpack:"message"`
	Value   []byte   `json:"value,omitempty" msgpack:"value"`
	Meta    Metadata `json:"meta,omitempty" msgpack:"meta"`
}

// ToEnvelope flattens r, encoding the success value with marshal. A nil
// success value yields an empty Value.
func ToEnvelope(r Result[any], marshal func(interface{}) ([]byte, error)) (Envelope, error) {
	if !r.OK() {
		var e = r.Err()
		return Envelope{Code: e.Code, Message: e.Message, Meta: r.Metadata()}, nil
	}
	var env = Envelope{OK: true, Meta: r.Metadata()}
	if r.Value() != nil {
		var raw, err = marshal(r.Value())
		if err != nil {
			return Envelope{}, err
		}
		env.Value = raw
	}
	return env, nil
}

// ToResult rebuilds a Result from an Envelope, decoding Value into a fresh
// instance produced by newValue (nil when no payload is expected). The
// decoded value is the pointer newValue returned.
func (e Envelope) ToResult(newValue func() interface{}, unmarshal func([]byte, interface{}) error) Result[any] {
	if !e.OK {
		return Result[any]{err: &Error{Code: e.Code, Message: e.Message}, meta: e.Meta}
	}
	if len(e.Value) == 0 || newValue == nil {
		return Result[any]{meta: e.Meta}
	}
	var v = newValue()
	if err := unmarshal(e.Value, v); err != nil {
		return Result[any]{
			err:  &Error{Code: SerializationFailed, Message: "decode reply payload", Cause: err},
			meta: e.Meta,
		}
	}
	return Result[any]{value: v, meta: e.Meta}
}
