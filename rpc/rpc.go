// Package rpc implements the caller half of correlated request/response
// exchange over a *conn.Connection: send the request (which allocates its
// correlation id), register a pending slot for that id, and wait for the
// matching RPC_RESPONSE
// or RPC_ERROR (spec §3.4, §4.7). It is the generalized, standalone
// descendant of BX-D-mini-RPC's transport.ClientTransport.Call, which
// inlined the same pending-table wait behind a single method on the
// transport itself; here it is pulled out into its own package because
// conn.Connection now also serves free-form messages, not just RPC.
package rpc

import (
	"context"
	"fmt"
	"strconv"

	"connectd/cerrors"
	"connectd/frame"
	"connectd/wire"
)

// Caller is the subset of *conn.Connection the rpc package needs. Defined
// here (not in conn) for the same reason router.ResponseSender lives in
// router: conn must not import rpc, so rpc depends only on this interface
// and *conn.Connection satisfies it structurally.
type Caller interface {
	ID() string
	SendRPCRequest(method string, params map[string]any) (uint64, error)
	RegisterPending(corr uint64) <-chan *frame.Frame
	CancelPending(corr uint64)
}

// Call sends method(params) over c and blocks until a response arrives,
// ctx is cancelled, or the Connection closes. A successful RPC_RESPONSE
// unwraps {success:true, result: <any>} off the wire and returns
// {success:true, data: <any>, correlation_id: <str>} to the caller; an
// RPC_ERROR unwraps {success:false, error, code, details} into a
// *cerrors.RPCError carrying the peer's code, message, and the same
// correlation_id (spec §4.7).
func Call(ctx context.Context, c Caller, method string, params map[string]any) (map[string]any, error) {
	corr, err := c.SendRPCRequest(method, params)
	if err != nil {
		return nil, err
	}
	ch := c.RegisterPending(corr)

	select {
	case <-ctx.Done():
		c.CancelPending(corr)
		return nil, &cerrors.RPCTimeout{Method: method, Correlation: corr}
	case f, ok := <-ch:
		if !ok {
			return nil, &cerrors.ConnectionLost{Reason: "connection closed while rpc call was pending"}
		}
		return unwrapResponse(method, corr, f)
	}
}

func unwrapResponse(method string, corr uint64, f *frame.Frame) (map[string]any, error) {
	payload, err := wire.UnmarshalMap(f.Payload())
	if err != nil {
		return nil, &cerrors.ProtocolError{Reason: fmt.Sprintf("malformed rpc response payload: %v", err)}
	}
	correlationID := strconv.FormatUint(corr, 10)

	if f.Type() == frame.TypeRPCError || payload["success"] == false {
		code, _ := payload["code"].(int64)
		msg, _ := payload["error"].(string)
		details, _ := payload["details"].(map[string]any)
		return nil, &cerrors.RPCError{
			Method:        method,
			Code:          int(code),
			Message:       msg,
			Details:       details,
			CorrelationID: correlationID,
		}
	}

	return map[string]any{
		"success":        true,
		"data":           payload["result"],
		"correlation_id": correlationID,
	}, nil
}
