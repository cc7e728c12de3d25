package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes payloads as MessagePack. Struct fields follow their
// json tags so payload types need a single set of tags.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (c *MsgpackCodec) Name() string { return NameMsgpack }
