// Package protocol implements the binary frame used by stream-oriented ports.
//
// A byte stream (TCP, a unix socket, net.Pipe) has no message boundaries, so
// every posted payload is wrapped in a fixed-size 14-byte header followed by a
// variable-length body. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ prp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The body is an already-encoded channel frame; ct records which codec
// produced it so a peer configured for another codec fails loudly.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "prp" (port rpc protocol).
// Rejects non-protocol connections early, e.g. an HTTP client hitting the wrong port.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length cannot force a huge allocation.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes payload frames from keepalive probes.
type MsgType byte

const (
	MsgTypeData      MsgType = 0 // Posted payload
	MsgTypeHeartbeat MsgType = 1 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid an import cycle.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization of the body: 0=JSON, 1=CBOR
	MsgType   MsgType // Data or Heartbeat
	Seq       uint32  // Per-connection sequence, useful when reading packet captures
	BodyLen   uint32  // Body length in bytes
}

// Error codes carried by *Error.
const (
	ErrCodeBadMagic      = "bad_magic"
	ErrCodeBadVersion    = "bad_version"
	ErrCodeBadCodec      = "bad_codec"
	ErrCodeBadMsgType    = "bad_msg_type"
	ErrCodeFrameTooLarge = "frame_too_large"
)

// Error reports a frame that violates the protocol. The connection carrying it
// cannot be resynchronized and should be closed.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol %s: %s", e.Code, e.Msg)
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is a frame violation, as opposed to an I/O error.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return newError(ErrCodeFrameTooLarge, "body of %d bytes exceeds %d", len(body), MaxBodySize)
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	// Network byte order
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// Single write so a frame is never split between two concurrent writers.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, newError(ErrCodeBadMagic, "invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, newError(ErrCodeBadVersion, "unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, newError(ErrCodeBadCodec, "unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeData) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, newError(ErrCodeBadMsgType, "unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, newError(ErrCodeFrameTooLarge, "body of %d bytes exceeds %d", bodyLen, MaxBodySize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
