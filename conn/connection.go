// Package conn implements the central object of the engine: Connection
// owns exactly one Transport, drives the §4.5 state machine, runs the
// send/receive/heartbeat loops, applies flow control, and dispatches
// inbound frames to a Router or to pending RPC completion slots.
//
// It generalizes BX-D-mini-RPC's transport.ClientTransport — which only
// ever multiplexed RPC request/response pairs over one net.Conn via a
// sending mutex, a pending sync.Map, and a background heartbeatLoop/
// recvLoop pair — into the full connection lifecycle the protocol engine
// needs: authentication, ACTIVE/PAUSED flow control, graceful close, and
// dispatch to free-form message handlers as well as RPC.
package conn

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"connectd/cerrors"
	"connectd/connconfig"
	"connectd/frame"
	"connectd/framer"
	"connectd/message"
	"connectd/router"
	"connectd/transport"
	"connectd/wire"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// controlTypes are exempt from the remote-paused gate on the send side
// (spec §4.5 "while set, only HEARTBEAT_PING/PONG, PAUSE/RESUME,
// DISCONNECT, and AUTH frames may pass").
var controlTypes = map[frame.Type]bool{
	frame.TypeHeartbeatPing: true,
	frame.TypeHeartbeatPong: true,
	frame.TypePause:         true,
	frame.TypeResume:        true,
	frame.TypeDisconnect:    true,
	frame.TypeAuthRequest:   true,
	frame.TypeAuthSuccess:   true,
	frame.TypeAuthFailure:   true,
}

// Connection is the central object of the engine. It exclusively owns one
// Transport; state is mutated only through its own loops or the exported
// Send*/Close operations, all serialized behind mu (spec §3.3).
type Connection struct {
	id    string
	role  Role
	cfg   connconfig.Options
	log   *zap.Logger
	rtr   *router.Router
	trans transport.Transport

	mu           sync.Mutex
	state        State
	sessionToken string
	remotePaused bool
	localPaused  bool
	lastPingSent time.Time
	lastPongSeen time.Time
	lastLatency  time.Duration
	failure      error

	correlationCounter uint64

	dataQueue    chan *frame.Frame
	controlQueue chan *frame.Frame
	inbound      chan *message.Message

	pendingMu sync.Mutex
	pending   map[uint64]chan *frame.Frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	doneCh    chan struct{}

	loopsWG    sync.WaitGroup
	workersWG  sync.WaitGroup

	onStateChange func(State)
}

// New constructs a Connection that owns t. The Connection starts in
// StateAuthenticating; callers must complete the auth handshake (see the
// auth package) and call MarkAuthenticated or MarkFailed before Run.
func New(t transport.Transport, role Role, cfg connconfig.Options, rtr *router.Router) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	sendQueueSize := cfg.SendQueueSize
	if sendQueueSize <= 0 {
		sendQueueSize = 1000
	}
	recvQueueSize := cfg.ReceiveQueueSize
	if recvQueueSize <= 0 {
		recvQueueSize = 1000
	}
	return &Connection{
		id:           uuid.NewString(),
		role:         role,
		cfg:          cfg,
		log:          cfg.ZapLogger(),
		rtr:          rtr,
		trans:        t,
		state:        StateAuthenticating,
		dataQueue:    make(chan *frame.Frame, sendQueueSize),
		controlQueue: make(chan *frame.Frame, 64),
		inbound:      make(chan *message.Message, recvQueueSize),
		pending:      make(map[uint64]chan *frame.Frame),
		ctx:          ctx,
		cancel:       cancel,
		doneCh:       make(chan struct{}),
	}
}

// ID returns the Connection's stable UUID.
func (c *Connection) ID() string { return c.id }

// Role returns whether this Connection was server-accepted or
// client-initiated.
func (c *Connection) Role() Role { return c.role }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionToken returns the opaque session token issued at AUTH_SUCCESS.
func (c *Connection) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken
}

// OnStateChange registers a single callback invoked (from whichever
// goroutine causes the transition) on every state change. Intended for use
// by the client/server facades, which need to react to ACTIVE/FAILED/CLOSED.
func (c *Connection) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// Latency returns the most recently observed heartbeat round-trip time.
func (c *Connection) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLatency
}

// Failure returns the error that caused FAILED, if any.
func (c *Connection) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Connection) setState(to State) {
	var hook func(State)
	c.mu.Lock()
	from := c.state
	c.state = to
	hook = c.onStateChange
	c.mu.Unlock()
	c.log.Debug("state transition", zap.String("connection", c.id), zap.String("from", from.String()), zap.String("to", to.String()))
	if hook != nil {
		hook(to)
	}
}

// transition validates that the current state is one of valid before
// moving to to; it does not mutate state on mismatch (spec §4.5 "Illegal
// transitions raise StateError and do not mutate state").
func (c *Connection) transition(valid []State, to State) error {
	c.mu.Lock()
	from := c.state
	if !containsState(valid, from) {
		c.mu.Unlock()
		return &cerrors.StateError{From: from.String(), Event: to.String()}
	}
	c.state = to
	hook := c.onStateChange
	c.mu.Unlock()
	c.log.Debug("state transition", zap.String("connection", c.id), zap.String("from", from.String()), zap.String("to", to.String()))
	if hook != nil {
		hook(to)
	}
	return nil
}

// MarkAuthenticated transitions AUTHENTICATING -> CONNECTED after a
// successful handshake (spec §4.5).
func (c *Connection) MarkAuthenticated(sessionToken string) error {
	if err := c.transition([]State{StateAuthenticating}, StateConnected); err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	c.sessionToken = sessionToken
	c.lastPongSeen = now
	c.mu.Unlock()
	return nil
}

// MarkFailed transitions to FAILED from any non-terminal state. It is used
// both for authentication failures (before Run starts any loops) and is
// called internally by the loops on protocol/transport errors and
// heartbeat timeout.
func (c *Connection) MarkFailed(reason error) {
	c.initiateTerminal(StateFailed, reason)
}

// nextCorrelation draws a monotonically increasing, non-zero correlation
// id (spec §9: "a per-Connection counter ... avoid reusing IDs until the
// prior pending slot has been released").
func (c *Connection) nextCorrelation() uint64 {
	return atomic.AddUint64(&c.correlationCounter, 1)
}

// Run starts the send/receive/heartbeat loops and the handler worker pool,
// then blocks until the Connection reaches CLOSED or FAILED, returning the
// terminal error (nil on a graceful close).
func (c *Connection) Run() error {
	if c.State() != StateConnected {
		return &cerrors.StateError{From: c.State().String(), Event: "Run"}
	}

	workers := runtime.GOMAXPROCS(0) * 4
	if workers < 2 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		c.workersWG.Add(1)
		go c.dispatchWorker()
	}

	c.loopsWG.Add(3)
	go c.sendLoop()
	go c.recvLoop()
	go c.heartbeatLoop()

	c.loopsWG.Wait()
	close(c.inbound)
	c.workersWG.Wait()
	close(c.doneCh)

	return c.Failure()
}

// Done returns a channel closed once Run has fully returned.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// Close requests a graceful shutdown: a DISCONNECT frame is sent, the
// outbound queues are drained, then the transport is closed (spec §4.5,
// §5 "Cancellation").
func (c *Connection) Close() error {
	err := c.transition([]State{StateActive, StatePaused, StateConnected, StateAuthenticating}, StateClosing)
	if err != nil {
		// Already closing/closed/failed: idempotent no-op.
		return nil
	}
	c.enqueueControlBestEffort(frame.TypeDisconnect, 0, map[string]any{"reason": "local close"})
	c.cancel()
	return nil
}

// initiateTerminal drives the Connection to a terminal state exactly once,
// regardless of which loop observed the failure first.
func (c *Connection) initiateTerminal(to State, reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.failure = reason
		c.mu.Unlock()
		c.setState(to)
		c.cancel()
	})
}

// --- outbound API -----------------------------------------------------

// SendMessage submits a free-form MESSAGE frame with correlation 0
// (unsolicited).
func (c *Connection) SendMessage(typeTag string, data map[string]any) error {
	if st := c.State(); st != StateActive && st != StatePaused {
		return &cerrors.NotConnectedError{State: st.String()}
	}
	return c.sendFrame(frame.TypeMessage, 0, map[string]any{"type": typeTag, "data": data})
}

// SendMessageReply implements router.ResponseSender: it re-uses the MESSAGE
// type (spec §9 Open Question 1) and the request's correlation id.
func (c *Connection) SendMessageReply(typeTag string, correlation uint64, data map[string]any) error {
	return c.sendFrame(frame.TypeMessage, correlation, map[string]any{"type": typeTag, "data": data})
}

// SendRPCRequest submits an RPC_REQUEST and returns the correlation id
// assigned, for callers (rpc.Caller) to register a pending completion slot
// against.
func (c *Connection) SendRPCRequest(method string, params map[string]any) (uint64, error) {
	if st := c.State(); st != StateActive && st != StatePaused {
		return 0, &cerrors.NotConnectedError{State: st.String()}
	}
	corr := c.nextCorrelation()
	if err := c.sendFrame(frame.TypeRPCRequest, corr, map[string]any{"method": method, "params": params}); err != nil {
		return 0, err
	}
	return corr, nil
}

// SendRPCResponse implements router.ResponseSender.
func (c *Connection) SendRPCResponse(correlation uint64, result any) error {
	return c.sendFrame(frame.TypeRPCResponse, correlation, map[string]any{"success": true, "result": result})
}

// SendRPCError implements router.ResponseSender.
func (c *Connection) SendRPCError(correlation uint64, code int, errMsg string, details map[string]any) error {
	payload := map[string]any{"success": false, "error": errMsg, "code": int64(code)}
	if details != nil {
		payload["details"] = details
	}
	return c.sendFrame(frame.TypeRPCError, correlation, payload)
}

// RegisterPending creates a completion slot for correlation id corr. The
// returned channel receives exactly one frame (the RPC_RESPONSE/RPC_ERROR)
// or is closed without a value if the Connection fails/closes first.
func (c *Connection) RegisterPending(corr uint64) <-chan *frame.Frame {
	ch := make(chan *frame.Frame, 1)
	c.pendingMu.Lock()
	c.pending[corr] = ch
	c.pendingMu.Unlock()
	return ch
}

// CancelPending removes a completion slot without completing it, used when
// an RPC caller gives up after a timeout.
func (c *Connection) CancelPending(corr uint64) {
	c.pendingMu.Lock()
	delete(c.pending, corr)
	c.pendingMu.Unlock()
}

func (c *Connection) completePending(corr uint64, f *frame.Frame) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[corr]
	if ok {
		delete(c.pending, corr)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

func (c *Connection) failAllPending(reason error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *frame.Frame)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	_ = reason
}

func (c *Connection) sendFrame(typ frame.Type, correlation uint64, payload map[string]any) error {
	st := c.State()
	if !canSendIn(st) {
		return &cerrors.NotConnectedError{State: st.String()}
	}
	body, err := wire.Marshal(payload)
	if err != nil {
		return err
	}
	f := frame.New(typ, correlation, uint64(time.Now().UnixMilli()), body)
	q := c.dataQueue
	if controlTypes[typ] {
		q = c.controlQueue
	}
	select {
	case q <- f:
		return nil
	case <-c.ctx.Done():
		return &cerrors.NotConnectedError{State: c.State().String()}
	}
}

func (c *Connection) enqueueControlBestEffort(typ frame.Type, correlation uint64, payload map[string]any) {
	body, err := wire.Marshal(payload)
	if err != nil {
		return
	}
	f := frame.New(typ, correlation, uint64(time.Now().UnixMilli()), body)
	select {
	case c.controlQueue <- f:
	default:
	}
}

// --- send loop ----------------------------------------------------------

func (c *Connection) sendLoop() {
	defer c.loopsWG.Done()
	for {
		var data chan *frame.Frame
		c.mu.Lock()
		paused := c.remotePaused
		c.mu.Unlock()
		if !paused {
			data = c.dataQueue
		}

		select {
		case <-c.ctx.Done():
			c.shutdownTransport()
			return
		case f := <-c.controlQueue:
			if err := c.writeFrame(f); err != nil {
				c.recvOrSendError(err)
				c.shutdownTransport()
				return
			}
		case f := <-data:
			if err := c.writeFrame(f); err != nil {
				c.recvOrSendError(err)
				c.shutdownTransport()
				return
			}
		}
	}
}

func (c *Connection) writeFrame(f *frame.Frame) error {
	buf, err := frame.Encode(f, c.cfg.EnableCompression)
	if err != nil {
		return err
	}
	c.trans.SetWriteDeadline(time.Now().Add(writeTimeout(c.cfg)))
	_, err = c.trans.Write(buf)
	return err
}

func writeTimeout(cfg connconfig.Options) time.Duration {
	if cfg.ConnectionTimeout > 0 {
		return cfg.ConnectionTimeout
	}
	return 10 * time.Second
}

func (c *Connection) recvOrSendError(err error) {
	if c.State() == StateClosing {
		return // graceful shutdown in progress; write failures here are expected
	}
	c.initiateTerminal(StateFailed, err)
}

// shutdownTransport drains any queued control/data frames when closing
// gracefully, then closes the transport exactly once. For a FAILED
// connection, draining is skipped: the stream is no longer trustworthy.
func (c *Connection) shutdownTransport() {
	if c.State() == StateClosing {
		c.drainQueues()
	}
	c.trans.Close()
	c.finalizeClosed()
	c.failAllPending(&cerrors.ConnectionLost{Reason: "connection closed"})
}

func (c *Connection) drainQueues() {
	for {
		select {
		case f := <-c.controlQueue:
			c.writeFrame(f)
			continue
		default:
		}
		select {
		case f := <-c.dataQueue:
			c.writeFrame(f)
			continue
		default:
		}
		return
	}
}

func (c *Connection) finalizeClosed() {
	c.transition([]State{StateClosing}, StateClosed)
}

// --- receive loop ---------------------------------------------------------

func (c *Connection) recvLoop() {
	defer c.loopsWG.Done()
	bufSize := c.cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}
	buf := make([]byte, bufSize)
	fr := framer.New(0)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		n, err := c.trans.Read(buf)
		if err != nil {
			if err == io.EOF {
				c.initiateTerminal(StateFailed, &cerrors.TransportError{Kind: cerrors.TransportClosedByPeer, Reason: "peer closed connection"})
			} else if c.ctx.Err() == nil {
				c.initiateTerminal(StateFailed, err)
			}
			return
		}
		fr.Feed(buf[:n])

		for {
			f, ok, err := fr.Next()
			if err != nil {
				c.initiateTerminal(StateFailed, err)
				return
			}
			if !ok {
				break
			}
			if stop := c.handleFrame(f); stop {
				return
			}
		}
	}
}

// handleFrame processes one inbound frame per spec §4.5. It returns true
// if the receive loop should stop (DISCONNECT handling).
func (c *Connection) handleFrame(f *frame.Frame) bool {
	switch f.Type() {
	case frame.TypeHeartbeatPing:
		c.enqueueControlBestEffort(frame.TypeHeartbeatPong, f.Correlation(), map[string]any{})
		return false

	case frame.TypeHeartbeatPong:
		now := time.Now()
		c.mu.Lock()
		sent := c.lastPingSent
		c.lastPongSeen = now
		if !sent.IsZero() {
			c.lastLatency = now.Sub(sent)
		}
		wasConnected := c.state == StateConnected
		c.mu.Unlock()
		if wasConnected {
			c.transition([]State{StateConnected}, StateActive)
		}
		return false

	case frame.TypePause:
		c.mu.Lock()
		c.remotePaused = true
		c.mu.Unlock()
		return false

	case frame.TypeResume:
		c.mu.Lock()
		c.remotePaused = false
		c.mu.Unlock()
		return false

	case frame.TypeRPCResponse, frame.TypeRPCError:
		if !c.completePending(f.Correlation(), f) {
			c.log.Debug("dropping unmatched rpc response", zap.String("connection", c.id), zap.Uint64("correlation", f.Correlation()))
		}
		return false

	case frame.TypeMessage, frame.TypeRPCRequest:
		c.admitInbound(f)
		return false

	case frame.TypeAuthRequest, frame.TypeAuthSuccess, frame.TypeAuthFailure:
		c.initiateTerminal(StateFailed, &cerrors.ProtocolError{Reason: "auth frame after authentication completed"})
		return true

	case frame.TypeDisconnect:
		c.handlePeerDisconnect()
		return true

	default:
		c.log.Debug("dropping unknown frame type", zap.String("connection", c.id), zap.Uint8("type", byte(f.Type())))
		return false
	}
}

// admitInbound decodes and queues a MESSAGE or RPC_REQUEST frame for
// dispatch. RPC/MESSAGE traffic is only served once the Connection has
// completed its first heartbeat round-trip and reached ACTIVE (or PAUSED);
// a request arriving while still CONNECTED is rejected rather than
// serviced against a connection whose liveness is unconfirmed.
func (c *Connection) admitInbound(f *frame.Frame) {
	if st := c.State(); st != StateActive && st != StatePaused {
		if f.Type() == frame.TypeRPCRequest {
			c.SendRPCError(f.Correlation(), cerrors.CodeNotConnected, "connection not yet active", nil)
		}
		return
	}

	payload, err := wire.UnmarshalMap(f.Payload())
	if err != nil {
		c.log.Debug("dropping frame with malformed payload", zap.String("connection", c.id), zap.Error(err))
		return
	}

	var msg *message.Message
	if f.Type() == frame.TypeMessage {
		typeTag, _ := payload["type"].(string)
		data, _ := payload["data"].(map[string]any)
		msg = &message.Message{Kind: message.KindMessage, TypeTag: typeTag, Correlation: f.Correlation(), Payload: data, OriginConnID: c.id}
	} else {
		msg = &message.Message{Kind: message.KindRPCRequest, Correlation: f.Correlation(), Payload: payload, OriginConnID: c.id}
	}

	fill := len(c.inbound)
	capacity := cap(c.inbound)
	high := int(c.cfg.HighWatermark * float64(capacity))
	if c.cfg.EnableBackpressure && fill >= high {
		c.mu.Lock()
		already := c.localPaused
		c.localPaused = true
		c.mu.Unlock()
		if !already {
			c.enqueueControlBestEffort(frame.TypePause, 0, map[string]any{})
			c.transition([]State{StateActive}, StatePaused)
		}
	}

	select {
	case c.inbound <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Connection) handlePeerDisconnect() {
	err := c.transition([]State{StateActive, StatePaused, StateConnected}, StateClosing)
	if err != nil {
		// Already closing locally; nothing further to do.
		return
	}
	c.enqueueControlBestEffort(frame.TypeDisconnect, 0, map[string]any{"reason": "ack"})
	c.cancel()
}

// --- dispatch workers -----------------------------------------------------

func (c *Connection) dispatchWorker() {
	defer c.workersWG.Done()
	for msg := range c.inbound {
		c.rtr.Dispatch(context.Background(), msg, c)

		low := int(c.cfg.LowWatermark * float64(cap(c.inbound)))
		c.mu.Lock()
		paused := c.localPaused
		fill := len(c.inbound)
		if paused && fill < low {
			c.localPaused = false
		}
		c.mu.Unlock()
		if paused && fill < low {
			c.enqueueControlBestEffort(frame.TypeResume, 0, map[string]any{})
			c.transition([]State{StatePaused}, StateActive)
		}
	}
}

// --- heartbeat loop ---------------------------------------------------

func (c *Connection) heartbeatLoop() {
	defer c.loopsWG.Done()
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			st := c.State()
			if st != StateConnected && st != StateActive && st != StatePaused {
				continue
			}
			corr := c.nextCorrelation()
			c.mu.Lock()
			c.lastPingSent = time.Now()
			lastPong := c.lastPongSeen
			c.mu.Unlock()

			c.enqueueControlBestEffort(frame.TypeHeartbeatPing, corr, map[string]any{"nonce": int64(corr)})

			if !lastPong.IsZero() && time.Since(lastPong) > timeout {
				c.initiateTerminal(StateFailed, fmt.Errorf("heartbeat timeout: no pong in %s", timeout))
				return
			}
		}
	}
}
