package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"svcmgr/codec"
	"svcmgr/message"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: codec.CodecTypeJSON,
		MsgType:   message.TypeLookupRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.Seq != header.Seq {
		t.Errorf("Seq mismatch: got %d, want %d", decodedHeader.Seq, header.Seq)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, 0, 0, 5, 0, 0, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		0,
		0, 5,
		0, 0, 0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected an error for a bad version")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeBodyTooLarge(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, 0, 0, 5, 0, 0, 0, 1, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[11:15], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("expected an error for an oversized body")
	}
}

func TestHeartbeatHasNoMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeartbeat(&buf); err != nil {
		t.Fatalf("WriteHeartbeat failed: %v", err)
	}

	header, msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if header.MsgType != message.TypeHeartbeat {
		t.Errorf("MsgType mismatch: got %s", header.MsgType)
	}
	if msg != nil {
		t.Errorf("expected nil message for heartbeat, got %T", msg)
	}
}

func TestWriteReadMessage(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		var buf bytes.Buffer
		ack := &message.CallACK{
			Process: message.ProcessHandle{PID: 7, IPC: "q-7"},
			Service: "echo",
		}
		if err := WriteMessage(&buf, ct, 3, ack); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}

		header, msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if header.CodecType != ct {
			t.Errorf("codec mismatch: got %d, want %d", header.CodecType, ct)
		}
		got, ok := msg.(*message.CallACK)
		if !ok {
			t.Fatalf("expected *message.CallACK, got %T", msg)
		}
		if *got != *ack {
			t.Errorf("message mismatch: got %+v, want %+v", got, ack)
		}
	}
}

func TestReadMessageUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: message.Type(999)}, []byte("{}")); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected an error for an unknown message type")
	}
}
