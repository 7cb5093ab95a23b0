package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeData,
		Seq:       12345,
	}
	body := []byte(`{"target":"portrpc-server","ctl":"syn"}`)

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
	// BodyLen is always derived from the body.
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeData), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pe.Code != ErrCodeBadMagic {
		t.Errorf("code = %s, want %s", pe.Code, ErrCodeBadMagic)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeHeartbeat, Seq: 7}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.MsgType != MsgTypeHeartbeat || len(body) != 0 {
		t.Errorf("got type %d body %d bytes, want heartbeat with empty body", h.MsgType, len(body))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		byte(MsgTypeData),
		0, 0, 0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	if !IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeOversizedLength(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeCBOR, byte(MsgTypeData), 0, 0, 0, 1, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[10:14], MaxBodySize+1)

	_, _, err := Decode(bytes.NewReader(frame))
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != ErrCodeFrameTooLarge {
		t.Fatalf("expected frame_too_large, got %v", err)
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{CodecType: CodecTypeJSON}, []byte("hello world")); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := Decode(bytes.NewReader(truncated))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if IsProtocolError(err) {
		t.Error("truncation is an I/O error, not a protocol error")
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	if err := Encode(&buf, &Header{CodecType: CodecTypeCBOR, MsgType: MsgTypeData, Seq: 999}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
	t.Logf("encoded and decoded %d bytes", len(largeBody))
}
