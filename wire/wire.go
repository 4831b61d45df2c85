// Package wire implements the self-describing binary object encoding used
// for every non-control frame payload: nil, bool, ints, floats, strings,
// binary, arrays, and maps, interchangeable with MessagePack-style
// encodings (spec §3.1, §6.1). It is backed by hashicorp/go-msgpack, the
// same msgpack codec the retrieval pack's serf-derived RPC clients use.
package wire

import (
	"bytes"
	"reflect"

	"github.com/hashicorp/go-msgpack/codec"
)

// handle is shared across all Marshal/Unmarshal calls. RawToString makes
// raw/bin values decode as Go strings when the target is `any`, which
// keeps payload maps readable; MapType makes nested maps decode as
// map[string]any; WriteExt lets extension types pass through untouched if
// a future payload ever needs them.
var handle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{RawToString: true, WriteExt: true}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}()

// Marshal encodes v (typically a map[string]any) into the wire format.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v, which should be a pointer to a
// map[string]any or a compatible concrete type.
func Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoder(bytes.NewReader(data), handle)
	return dec.Decode(v)
}

// UnmarshalMap is a convenience wrapper for the common case of decoding a
// payload into a plain map[string]any.
func UnmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
