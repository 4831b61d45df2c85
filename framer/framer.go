// Package framer buffers bytes arriving from a Transport until a complete
// frame is present, generalizing BX-D-mini-RPC's protocol.Decode (which
// assumed a blocking io.Reader) into an incremental Feed/Next API suited to
// a non-blocking read loop (spec §4.2).
package framer

import (
	"connectd/cerrors"
	"connectd/frame"
)

// Framer accumulates bytes fed from a Transport and emits complete Frames
// as soon as they are available. It is not safe for concurrent use; a
// Connection's single receive loop owns it.
type Framer struct {
	buf            []byte
	maxFrameSize   int
	maxDecodedSize int
}

// New creates a Framer with the given maximum single-frame payload size
// (default frame.DefaultMaxFrameSize when maxFrameSize <= 0).
func New(maxFrameSize int) *Framer {
	if maxFrameSize <= 0 {
		maxFrameSize = frame.DefaultMaxFrameSize
	}
	return &Framer{
		maxFrameSize:   maxFrameSize,
		maxDecodedSize: maxFrameSize,
	}
}

// Feed appends newly read bytes to the internal buffer.
func (fr *Framer) Feed(b []byte) {
	fr.buf = append(fr.buf, b...)
}

// Next attempts to extract one complete Frame from the buffered bytes. It
// returns (nil, false, nil) when more bytes are needed, (frame, true, nil)
// when a frame was consumed, or a non-nil error when the buffered bytes
// violate the protocol (bad magic, oversized frame, etc) — the Connection
// must close on error.
func (fr *Framer) Next() (*frame.Frame, bool, error) {
	if len(fr.buf) < frame.HeaderSize {
		return nil, false, nil
	}

	h, err := frame.DecodeHeader(fr.buf[:frame.HeaderSize])
	if err != nil {
		return nil, false, err
	}

	if int(h.Length) > fr.maxFrameSize {
		return nil, false, &cerrors.ProtocolError{Reason: "frame exceeds maximum size"}
	}

	total := frame.HeaderSize + int(h.Length)
	if len(fr.buf) < total {
		return nil, false, nil
	}

	payload := make([]byte, h.Length)
	copy(payload, fr.buf[frame.HeaderSize:total])

	f, err := frame.Decode(h, payload, fr.maxDecodedSize)
	if err != nil {
		return nil, false, err
	}

	// Consume exactly the bytes belonging to this frame.
	remaining := len(fr.buf) - total
	copy(fr.buf, fr.buf[total:])
	fr.buf = fr.buf[:remaining]

	return f, true, nil
}

// Buffered reports how many bytes are currently held, unconsumed.
func (fr *Framer) Buffered() int {
	return len(fr.buf)
}
