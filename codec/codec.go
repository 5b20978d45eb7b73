// Package codec defines the serializer contract the core consumes, two
// stock implementations (JSON and msgpack), and a registry that maps
// fully-qualified message type names to their Go types for wire decoding.
package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes message payloads for transports and stores. Encoding
// must be deterministic for a given object graph.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// JSON is the text codec.
type JSON struct{}

func (JSON) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                               { return "json" }

// Msgpack is the binary codec.
type Msgpack struct{}

func (Msgpack) Marshal(v interface{}) ([]byte, error)      { return msgpack.Marshal(v) }
func (Msgpack) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }
func (Msgpack) Name() string                               { return "msgpack" }

// ByName returns the codec registered under name, defaulting to JSON.
func ByName(name string) Codec {
	switch name {
	case "msgpack":
		return Msgpack{}
	default:
		return JSON{}
	}
}
