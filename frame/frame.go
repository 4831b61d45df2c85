// Package frame implements the fixed 32-byte header + opaque payload wire
// codec described in spec §3.1/§4.1. It is the direct descendant of
// BX-D-mini-RPC's protocol.Header, widened from a 14-byte multiplexing
// header into the full connection-engine header (correlation id,
// timestamp, compression flag, reserved bits).
//
// Frame format, all integers big-endian:
//
//	0        4  5  6     8        12       20       28    32
//	┌────────┬──┬──┬─────┬────────┬────────┬────────┬─────┬──────────┐
//	│ magic  │v │t │flags│ length │  correlation     │ ts  │ reserved │ payload...
//	│ CNDT   │01│  │ u16 │ u32    │  u64             │ u64 │ u32      │
//	└────────┴──┴──┴─────┴────────┴────────┴────────┴─────┴──────────┘
package frame

import (
	"bytes"
	"encoding/binary"
	"io"

	"connectd/cerrors"

	"github.com/klauspost/compress/flate"
)

// HeaderSize is the fixed header width in bytes.
const HeaderSize = 32

// Magic identifies a connectd frame on the wire.
var Magic = [4]byte{'C', 'N', 'D', 'T'}

// Version is the only protocol version this package speaks.
const Version byte = 1

// Type is the 1-byte message type tag (spec §6.2).
type Type byte

const (
	TypeMessage      Type = 0x01
	TypeRPCRequest   Type = 0x02
	TypeRPCResponse  Type = 0x03
	TypeRPCError     Type = 0x04
	TypeHeartbeatPing Type = 0x05
	TypeHeartbeatPong Type = 0x06
	TypePause        Type = 0x07
	TypeResume       Type = 0x08
	TypeAuthRequest  Type = 0x10
	TypeAuthSuccess  Type = 0x11
	TypeAuthFailure  Type = 0x12
	TypeDisconnect   Type = 0x20
	TypeError        Type = 0xFF
)

// Flag bits within the 2-byte flags field (spec §6.3).
const (
	FlagCompressed uint16 = 0x0001
	FlagEncrypted  uint16 = 0x0002
	// bits 2-4 are priority/ack hints: emitted and tolerated, ignored here.
	flagsReservedMask uint16 = 0xFFE0 // bits 5-15 must be zero
)

// compressThreshold is the minimum raw payload size before compression is
// attempted (spec §4.1).
const compressThreshold = 100

// DefaultMaxFrameSize is the hard cap on a single frame's payload (spec
// §4.2); exceeding it is a protocol error and the Connection must close.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Frame is one fully-formed protocol unit. It is immutable once
// constructed: all fields are unexported and read through accessors.
type Frame struct {
	typ         Type
	flags       uint16
	correlation uint64
	timestampMs uint64
	payload     []byte
}

func (f *Frame) Type() Type             { return f.typ }
func (f *Frame) Flags() uint16          { return f.flags }
func (f *Frame) Correlation() uint64    { return f.correlation }
func (f *Frame) TimestampMs() uint64    { return f.timestampMs }
func (f *Frame) Payload() []byte        { return f.payload }
func (f *Frame) Compressed() bool       { return f.flags&FlagCompressed != 0 }

// New builds a Frame from its logical fields. Compression is requested
// later, through Encode's compress argument; the flag set on the wire
// depends on Encode's policy (only applied if it actually shrinks the
// payload).
func New(typ Type, correlation uint64, timestampMs uint64, payload []byte) *Frame {
	return &Frame{typ: typ, correlation: correlation, timestampMs: timestampMs, payload: payload}
}

// Encode serializes f into a contiguous buffer of exactly 32+length bytes.
// When compress is true and the raw payload is larger than the compression
// threshold, the payload is deflated; if deflating does not shrink it, the
// frame is emitted uncompressed with the flag cleared (spec §4.1).
func Encode(f *Frame, compress bool) ([]byte, error) {
	payload := f.payload
	flags := f.flags &^ FlagCompressed

	if compress && len(payload) > compressThreshold {
		deflated, err := deflate(payload)
		if err == nil && len(deflated) < len(payload) {
			payload = deflated
			flags |= FlagCompressed
		}
	}

	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = byte(f.typ)
	binary.BigEndian.PutUint16(buf[6:8], flags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[12:20], f.correlation)
	binary.BigEndian.PutUint64(buf[20:28], f.timestampMs)
	binary.BigEndian.PutUint32(buf[28:32], 0) // reserved, must be zero
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// ParsedHeader is the decoded fixed-size header, returned by DecodeHeader
// so callers (the framer) can learn the payload length before the full
// frame has arrived.
type ParsedHeader struct {
	Type        Type
	Flags       uint16
	Length      uint32
	Correlation uint64
	TimestampMs uint64
}

// DecodeHeader validates and parses the fixed 32-byte header. buf must be
// exactly HeaderSize bytes.
func DecodeHeader(buf []byte) (*ParsedHeader, error) {
	if len(buf) != HeaderSize {
		return nil, &cerrors.ProtocolError{Reason: "short header"}
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return nil, &cerrors.ProtocolError{Reason: "bad magic"}
	}
	if buf[4] != Version {
		return nil, &cerrors.ProtocolError{Reason: "unsupported version"}
	}
	flags := binary.BigEndian.Uint16(buf[6:8])
	if flags&FlagEncrypted != 0 {
		return nil, &cerrors.ProtocolError{Reason: "encrypted flag set but encryption is unsupported"}
	}
	if flags&flagsReservedMask != 0 {
		return nil, &cerrors.ProtocolError{Reason: "reserved flag bits set"}
	}
	reserved := binary.BigEndian.Uint32(buf[28:32])
	if reserved != 0 {
		return nil, &cerrors.ProtocolError{Reason: "reserved header field non-zero"}
	}
	return &ParsedHeader{
		Type:        Type(buf[5]),
		Flags:       flags,
		Length:      binary.BigEndian.Uint32(buf[8:12]),
		Correlation: binary.BigEndian.Uint64(buf[12:20]),
		TimestampMs: binary.BigEndian.Uint64(buf[20:28]),
	}, nil
}

// Decode builds a Frame from an already-parsed header and its payload bytes, inflating the
// payload if the compressed flag is set. maxDecodedSize bounds the
// inflated size to prevent decompression bombs (spec §8.2).
func Decode(h *ParsedHeader, payload []byte, maxDecodedSize int) (*Frame, error) {
	out := payload
	if h.Flags&FlagCompressed != 0 {
		inflated, err := inflate(payload, maxDecodedSize)
		if err != nil {
			return nil, &cerrors.ProtocolError{Reason: "inflate failed: " + err.Error()}
		}
		out = inflated
	}
	return &Frame{
		typ:         h.Type,
		flags:       h.Flags,
		correlation: h.Correlation,
		timestampMs: h.TimestampMs,
		payload:     out,
	}, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte, maxDecodedSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	limited := io.LimitReader(r, int64(maxDecodedSize)+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, &cerrors.ProtocolError{Reason: "decompressed payload exceeds max frame size"}
	}
	return out, nil
}
