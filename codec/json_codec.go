package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

var errTrailingData = errors.New("json body: trailing data after value")

// JSONCodec is the default codec, readable on the wire by peers not written in Go.
// A body holds exactly one value; anything after it means the frame is corrupt.
type JSONCodec struct{}

func (*JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errTrailingData
	}
	return nil
}

func (*JSONCodec) Type() CodecType { return CodecTypeJSON }
