package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// BinaryCodec encodes bodies with encoding/gob. Every message kind is a plain struct
// with exported fields, so gob needs no registration.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("BinaryCodec: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("BinaryCodec: decode %T: %w", v, err)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
