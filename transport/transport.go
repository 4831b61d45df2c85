// Package transport is a thin, protocol-agnostic duplex wrapper over a TCP4
// or TCP6 net.Conn: bounded reads, bounded writes, idempotent close. It has
// no knowledge of framing or the wire protocol, the same separation of
// concerns BX-D-mini-RPC draws between its transport and protocol
// packages, just without the multiplexing and RPC awareness the teacher
// baked into ClientTransport — that responsibility now lives in conn.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"connectd/cerrors"
)

// Transport is implemented by anything providing bounded duplex byte I/O
// plus idempotent close. net.Conn satisfies everything Transport needs
// except the idempotent Close and deadline-wrapped error classification,
// which TCPTransport adds.
type Transport interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// TCPTransport wraps a net.Conn (TCP4 or TCP6) and makes Close idempotent,
// translating net errors into cerrors.TransportError on demand via
// Classify.
type TCPTransport struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewTCP wraps an established net.Conn.
func NewTCP(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn}
}

// Dial opens a new TCP4 or TCP6 connection. network must be "tcp4" or
// "tcp6" (or "tcp" to let the stack choose).
func Dial(network, addr string, timeout time.Duration) (*TCPTransport, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial(network, addr)
	if err != nil {
		return nil, Classify(err)
	}
	return NewTCP(conn), nil
}

func (t *TCPTransport) Read(b []byte) (int, error) {
	n, err := t.conn.Read(b)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

func (t *TCPTransport) Write(b []byte) (int, error) {
	n, err := t.conn.Write(b)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

func (t *TCPTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *TCPTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *TCPTransport) RemoteAddr() net.Addr               { return t.conn.RemoteAddr() }
func (t *TCPTransport) LocalAddr() net.Addr                { return t.conn.LocalAddr() }

// Close is idempotent: the first call closes the underlying connection,
// later calls return the same result without touching the conn again.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// Classify turns a net/io error into a cerrors.TransportError identifying
// whether the peer closed the connection, the operation timed out, or a
// local I/O failure occurred.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &cerrors.TransportError{Kind: cerrors.TransportTimeout, Reason: err.Error()}
	}
	if errors.Is(err, net.ErrClosed) {
		return &cerrors.TransportError{Kind: cerrors.TransportClosedByPeer, Reason: err.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &cerrors.TransportError{Kind: cerrors.TransportLocalFailure, Reason: err.Error()}
	}
	return &cerrors.TransportError{Kind: cerrors.TransportClosedByPeer, Reason: err.Error()}
}

// Listen binds a TCP4 or TCP6 listener on address. network must be "tcp4",
// "tcp6", or "tcp".
func Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}
