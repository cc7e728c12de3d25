// Package codec encodes workflow and activity payloads.
package codec

import "fmt"

// Codec defines how payloads are serialized into history events.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	// Name returns the codec identifier ("json", "msgpack").
	Name() string
}

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

var (
	JSON    Codec = &JSONCodec{}
	Msgpack Codec = &MsgpackCodec{}
)

// Get returns a codec by name. An empty name selects JSON.
func Get(name string) (Codec, error) {
	switch name {
	case NameJSON, "":
		return JSON, nil
	case NameMsgpack:
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
