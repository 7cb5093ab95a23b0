package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborCodec = newCBORCodec()

// CBORCodec encodes frames as RFC 8949 CBOR. Struct fields use their json tags
// as map keys, so the same frame types serve both codecs.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() *CBORCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor encode mode: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor decode mode: %v", err))
	}
	return &CBORCodec{enc: enc, dec: dec}
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
