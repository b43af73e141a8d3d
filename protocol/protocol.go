// Package protocol implements the binary frame protocol spoken between processes and the
// service manager.
//
// A fixed-size 15-byte header is followed by a variable-length body. The receiver reads the
// header first to learn the message kind and body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5     7         11        15
//	┌──────┬──┬──┬─────┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│type │   seq   │ bodyLen │    body ...    │
//	│ svm  │01│  │u16  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"svcmgr/codec"
	"svcmgr/message"
)

// Magic number bytes: "svm" (service manager).
const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x76 // 'v'
	MagicByte3  byte = 0x6d // 'm'
	Version     byte = 0x01
	HeaderSize  int  = 15 // 3 (magic) + 1 (version) + 1 (codec) + 2 (type) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot make the reader allocate
	// gigabytes.
	MaxBodyLen uint32 = 16 << 20
)

// Header represents the fixed 15-byte frame header.
type Header struct {
	CodecType codec.CodecType
	MsgType   message.Type
	Seq       uint32 // sender-local sequence number, for tracing
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writers that share w.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.CodecType)
	binary.BigEndian.PutUint16(buf[5:7], uint16(h.MsgType))
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame, so a frame is never split between two writers.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	ct := codec.CodecType(headerBuf[4])
	if ct != codec.CodecTypeJSON && ct != codec.CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: ct,
		MsgType:   message.Type(binary.BigEndian.Uint16(headerBuf[5:7])),
		Seq:       binary.BigEndian.Uint32(headerBuf[7:11]),
		BodyLen:   bodyLen,
	}, body, nil
}

// WriteMessage encodes msg with the given codec and writes it as one frame.
func WriteMessage(w io.Writer, ct codec.CodecType, seq uint32, msg message.Message) error {
	cdc, err := codec.GetCodec(ct)
	if err != nil {
		return err
	}
	body, err := cdc.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return Encode(w, &Header{CodecType: ct, MsgType: msg.Type(), Seq: seq}, body)
}

// WriteHeartbeat writes a body-less heartbeat frame.
func WriteHeartbeat(w io.Writer) error {
	return Encode(w, &Header{MsgType: message.TypeHeartbeat}, nil)
}

// ReadMessage reads one frame and decodes its body into the matching message kind.
// Heartbeat frames are returned with a nil message.
func ReadMessage(r io.Reader) (*Header, message.Message, error) {
	header, body, err := Decode(r)
	if err != nil {
		return nil, nil, err
	}
	if header.MsgType == message.TypeHeartbeat {
		return header, nil, nil
	}
	msg, err := message.New(header.MsgType)
	if err != nil {
		return header, nil, err
	}
	cdc, err := codec.GetCodec(header.CodecType)
	if err != nil {
		return header, nil, err
	}
	if err := cdc.Decode(body, msg); err != nil {
		return header, nil, fmt.Errorf("decode %s: %w", header.MsgType, err)
	}
	return header, msg, nil
}
