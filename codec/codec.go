// Package codec provides the serialization formats used on the wire: a
// binary MessagePack codec, a JSON text codec used as a fallback for
// cross-implementation consumers, and a type-tag registry for polymorphic
// values carried as self-describing text.
package codec

import "bytes"

// Codec defines a serialization format.
type Codec interface {
	// Marshal serializes v to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier ("json" or "msgpack").
	Name() string
}

// Codec names.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Get returns a codec by name. Defaults to MessagePack.
func Get(name string) Codec {
	switch name {
	case NameJSON:
		return JSON{}
	default:
		return Msgpack{}
	}
}

// Binary is the primary wire codec.
var Binary Codec = Msgpack{}

// Text is the fallback wire codec.
var Text Codec = JSON{}

// Decode unmarshals data into v, trying the binary format first and
// falling back to text. It returns the codec that succeeded.
func Decode(data []byte, v any) (Codec, error) {
	if looksLikeText(data) {
		if err := Text.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return Text, nil
	}
	binErr := Binary.Unmarshal(data, v)
	if binErr == nil {
		return Binary, nil
	}
	if err := Text.Unmarshal(data, v); err != nil {
		return nil, binErr
	}
	return Text, nil
}

// looksLikeText reports whether data starts like a JSON document.
// MessagePack never starts a map or array with these bytes.
func looksLikeText(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
