// Package codec encodes message bodies for the wire.
//
// The frame header carries the codec type, so the receiver decodes every frame with the
// codec the sender picked and the two ends need not agree.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

var (
	jsonCodec   Codec = &JSONCodec{}
	binaryCodec Codec = &BinaryCodec{}
)

// GetCodec returns the codec for codecType. Codecs are stateless and shared.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return jsonCodec, nil
	case CodecTypeBinary:
		return binaryCodec, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", codecType)
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary", "gob":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}
