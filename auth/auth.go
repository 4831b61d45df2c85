// Package auth executes the password handshake described in spec §4.4. It
// has no analogue in BX-D-mini-RPC (mini-rpc has no authentication step at
// all) and is built fresh from the spec, following the teacher's pattern of
// small functions that read/write exactly one frame over a transport
// within a bounded deadline (the same shape as
// transport.ClientTransport.Send/recvLoop, minus the multiplexing).
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"connectd/cerrors"
	"connectd/frame"
	"connectd/transport"
	"connectd/wire"

	"github.com/google/uuid"
)

// ClientInfo identifies the connecting client in AUTH_REQUEST.
type ClientInfo struct {
	Name    string
	Version string
}

// ServerInfo identifies the server in AUTH_SUCCESS.
type ServerInfo struct {
	Name    string
	Version string
}

// ClientResult is returned to a successful client-side handshake.
type ClientResult struct {
	SessionToken string
	ServerInfo   ServerInfo
}

// ServerResult is returned to a successful server-side handshake.
type ServerResult struct {
	SessionToken string
}

// HashPassword returns the hex-encoded SHA-256 of password, the exact
// on-wire contract spec §4.4 documents (weak against offline attack by
// design; operators are expected to run on trusted networks or wrap in TLS
// at a lower layer).
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// writeFrame encodes and writes a single frame to t with a write deadline.
func writeFrame(t transport.Transport, typ frame.Type, correlation uint64, payload map[string]any, deadline time.Time) error {
	body, err := wire.Marshal(payload)
	if err != nil {
		return err
	}
	f := frame.New(typ, correlation, uint64(time.Now().UnixMilli()), body)
	buf, err := frame.Encode(f, false)
	if err != nil {
		return err
	}
	if err := t.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = t.Write(buf)
	return err
}

// readFrame blocks for exactly one frame, respecting deadline.
func readFrame(t transport.Transport, deadline time.Time) (*frame.Frame, error) {
	if err := t.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	headerBuf := make([]byte, frame.HeaderSize)
	if _, err := io.ReadFull(t, headerBuf); err != nil {
		return nil, transport.Classify(err)
	}
	h, err := frame.DecodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(t, payload); err != nil {
			return nil, transport.Classify(err)
		}
	}
	return frame.Decode(h, payload, frame.DefaultMaxFrameSize)
}

// Client runs the client side of the handshake (spec §4.4): send
// AUTH_REQUEST, await AUTH_SUCCESS or AUTH_FAILURE within timeout.
func Client(t transport.Transport, password string, info ClientInfo, timeout time.Duration) (*ClientResult, error) {
	deadline := time.Now().Add(timeout)

	payload := map[string]any{
		"password_hash": HashPassword(password),
		"client_info": map[string]any{
			"name":    info.Name,
			"version": info.Version,
		},
	}
	if err := writeFrame(t, frame.TypeAuthRequest, 0, payload, deadline); err != nil {
		return nil, err
	}

	f, err := readFrame(t, deadline)
	if err != nil {
		return nil, err
	}

	switch f.Type() {
	case frame.TypeAuthSuccess:
		resp, err := wire.UnmarshalMap(f.Payload())
		if err != nil {
			return nil, &cerrors.AuthenticationError{Reason: "malformed AUTH_SUCCESS payload", RetryAllowed: false}
		}
		token, _ := resp["session_token"].(string)
		serverInfo := ServerInfo{}
		if si, ok := resp["server_info"].(map[string]any); ok {
			serverInfo.Name, _ = si["name"].(string)
			serverInfo.Version, _ = si["version"].(string)
		}
		return &ClientResult{SessionToken: token, ServerInfo: serverInfo}, nil
	case frame.TypeAuthFailure:
		resp, _ := wire.UnmarshalMap(f.Payload())
		reason, _ := resp["reason"].(string)
		retry, _ := resp["retry_allowed"].(bool)
		return nil, &cerrors.AuthenticationError{Reason: reason, RetryAllowed: retry}
	default:
		return nil, &cerrors.AuthenticationError{Reason: "unexpected frame type during authentication", RetryAllowed: false}
	}
}

// Server runs the server side of the handshake (spec §4.4): read exactly
// one frame with the auth deadline; it must be AUTH_REQUEST with a
// matching password hash, else AUTH_FAILURE(retry_allowed=false) is sent
// and the caller must close the transport.
func Server(t transport.Transport, password string, serverInfo ServerInfo, timeout time.Duration) (*ServerResult, error) {
	deadline := time.Now().Add(timeout)

	f, err := readFrame(t, deadline)
	if err != nil {
		return nil, err
	}

	fail := func(reason string) error {
		_ = writeFrame(t, frame.TypeAuthFailure, 0, map[string]any{
			"reason":        reason,
			"retry_allowed": false,
		}, deadline)
		return &cerrors.AuthenticationError{Reason: reason, RetryAllowed: false}
	}

	if f.Type() != frame.TypeAuthRequest {
		return nil, fail("expected AUTH_REQUEST")
	}

	req, err := wire.UnmarshalMap(f.Payload())
	if err != nil {
		return nil, fail("malformed AUTH_REQUEST payload")
	}
	hash, _ := req["password_hash"].(string)
	if hash != HashPassword(password) {
		return nil, fail("password mismatch")
	}

	token := uuid.NewString()
	if err := writeFrame(t, frame.TypeAuthSuccess, 0, map[string]any{
		"session_token": token,
		"server_info": map[string]any{
			"name":    serverInfo.Name,
			"version": serverInfo.Version,
		},
	}, deadline); err != nil {
		return nil, err
	}

	return &ServerResult{SessionToken: token}, nil
}
