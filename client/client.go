// Package client implements the outward-facing connect/call/reconnect
// facade. It is the generalized descendant of BX-D-mini-RPC's
// client.Client, which wired together a registry, a balancer, a codec and
// a connection pool behind NewClient(...); this Client performs the same
// discover -> balance -> dial -> call shape, but dials exactly one
// authenticated conn.Connection at a time (the protocol here is a
// long-lived duplex stream, not a pooled short-RPC transport) and adds the
// reconnect supervisor the teacher never had.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"connectd/auth"
	"connectd/conn"
	"connectd/connconfig"
	"connectd/discovery"
	"connectd/loadbalance"
	"connectd/router"
	"connectd/rpc"
	"connectd/transport"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Hooks are optional observer callbacks a caller can register (spec §6.4
// "observable lifecycle hooks").
type Hooks struct {
	OnConnect    func(connID string)
	OnDisconnect func(connID string, err error)
	OnReconnect  func(attempt int)
}

// Client owns at most one live Connection at a time plus the supervisor
// that replaces it on failure when reconnection is enabled.
type Client struct {
	cfg    connconfig.ClientOptions
	rtr    *router.Router
	log    *zap.Logger
	hooks  Hooks
	info   auth.ClientInfo

	registry    discovery.Registry
	balancer    loadbalance.Balancer
	serviceName string

	mu        sync.RWMutex
	current   *conn.Connection
	closed    bool
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New constructs a Client. rtr handles MESSAGE/RPC traffic the server
// initiates toward this client (spec §4.6 applies symmetrically).
func New(cfg connconfig.ClientOptions, rtr *router.Router, info auth.ClientInfo) *Client {
	if rtr == nil {
		rtr = router.New(cfg.ZapLogger())
	}
	return &Client{
		cfg:    cfg,
		rtr:    rtr,
		log:    cfg.ZapLogger(),
		info:   info,
		stopCh: make(chan struct{}),
	}
}

// WithDiscovery attaches a Registry/Balancer pair so Connect resolves a
// target address from serviceName's current instance list instead of
// cfg.ServerHost/ServerPort.
func (c *Client) WithDiscovery(reg discovery.Registry, bal loadbalance.Balancer, serviceName string) *Client {
	c.registry = reg
	c.balancer = bal
	c.serviceName = serviceName
	return c
}

// OnHooks registers the observable lifecycle callbacks.
func (c *Client) OnHooks(h Hooks) *Client {
	c.hooks = h
	return c
}

// Connection returns the currently active Connection, or nil if not
// connected.
func (c *Client) Connection() *conn.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Connect dials, authenticates, and starts one Connection. If
// cfg.ReconnectEnabled, a supervisor goroutine replaces the Connection
// with a freshly dialed one whenever it ends in FAILED, until Close is
// called or ReconnectAttempts is used up; a Connection that ends in CLOSED
// is not replaced.
func (c *Client) Connect(ctx context.Context) error {
	cn, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.current = cn
	c.mu.Unlock()

	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(cn.ID())
	}

	go c.runConnection(cn)

	if c.cfg.ReconnectEnabled {
		go c.superviseReconnect()
	}
	return nil
}

func (c *Client) runConnection(cn *conn.Connection) {
	err := cn.Run()
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(cn.ID(), err)
	}
}

func (c *Client) superviseReconnect() {
	attempt := 0
	for {
		cn := c.Connection()
		if cn == nil {
			return
		}
		select {
		case <-cn.Done():
		case <-c.stopCh:
			return
		}

		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}
		if cn.State() == conn.StateClosed {
			// Graceful close, whether started on this side or by the
			// peer's DISCONNECT; neither is reconnected. Only FAILED is.
			return
		}

		attempt++
		if c.cfg.ReconnectAttempts > 0 && attempt > c.cfg.ReconnectAttempts {
			c.log.Warn("reconnect attempts exhausted")
			return
		}
		if c.hooks.OnReconnect != nil {
			c.hooks.OnReconnect(attempt)
		}

		bo := c.newBackoff()
		newConn, err := backoff.RetryWithData(func() (*conn.Connection, error) {
			return c.dialOnce(context.Background())
		}, bo)
		if err != nil {
			c.log.Error("reconnect failed permanently", zap.Error(err))
			return
		}

		c.mu.Lock()
		c.current = newConn
		c.mu.Unlock()
		if c.hooks.OnConnect != nil {
			c.hooks.OnConnect(newConn.ID())
		}
		go c.runConnection(newConn)
	}
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.Multiplier = c.cfg.ReconnectDelayMultiplier
	b.MaxInterval = c.cfg.ReconnectDelayMax
	b.MaxElapsedTime = 0 // bounded by ReconnectAttempts instead
	if c.cfg.ReconnectAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(c.cfg.ReconnectAttempts))
	}
	return b
}

func (c *Client) targetAddr(ctx context.Context) (string, error) {
	if c.registry == nil {
		return fmt.Sprintf("%s:%d", c.cfg.ServerHost, c.cfg.ServerPort), nil
	}

	instCh, err := c.registry.Watch(ctx, c.serviceName)
	if err != nil {
		return "", fmt.Errorf("client: resolve %s: %w", c.serviceName, err)
	}
	instances, ok := <-instCh
	if !ok || len(instances) == 0 {
		return "", fmt.Errorf("client: no instances available for %s", c.serviceName)
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}

func (c *Client) dialOnce(ctx context.Context) (*conn.Connection, error) {
	addr, err := c.targetAddr(ctx)
	if err != nil {
		return nil, err
	}

	t, err := transport.Dial(c.cfg.Network(), addr, c.cfg.ConnectTimeout)
	if err != nil {
		c.reportFeedback(addr, 0, err)
		return nil, err
	}

	res, err := auth.Client(t, c.cfg.Password, c.info, c.cfg.AuthTimeout)
	if err != nil {
		t.Close()
		c.reportFeedback(addr, 0, err)
		return nil, err
	}

	cn := conn.New(t, conn.RoleClientInitiated, c.cfg.Options, c.rtr)
	if err := cn.MarkAuthenticated(res.SessionToken); err != nil {
		t.Close()
		c.reportFeedback(addr, 0, err)
		return nil, err
	}

	c.reportFeedback(addr, 0, nil)
	c.watchLatencyFeedback(addr, cn)
	return cn, nil
}

// reportFeedback is a no-op unless WithDiscovery attached a balancer.
func (c *Client) reportFeedback(addr string, latency time.Duration, err error) {
	if c.balancer != nil {
		c.balancer.Feedback(addr, latency, err)
	}
}

// watchLatencyFeedback waits for cn's first heartbeat round trip (ACTIVE)
// and reports the observed latency to the balancer, so later Picks can
// weigh this instance by how fast it actually answered rather than only
// by its static registration weight.
func (c *Client) watchLatencyFeedback(addr string, cn *conn.Connection) {
	if c.balancer == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		timeout := time.After(c.cfg.HeartbeatTimeout)
		for {
			select {
			case <-cn.Done():
				return
			case <-timeout:
				return
			case <-ticker.C:
				if cn.State() == conn.StateActive {
					c.balancer.Feedback(addr, cn.Latency(), nil)
					return
				}
			}
		}
	}()
}

// Call performs a correlated RPC against the current Connection.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	cn := c.Connection()
	if cn == nil {
		return nil, fmt.Errorf("client: not connected")
	}
	return rpc.Call(ctx, cn, method, params)
}

// SendMessage emits a free-form MESSAGE on the current Connection.
func (c *Client) SendMessage(typeTag string, data map[string]any) error {
	cn := c.Connection()
	if cn == nil {
		return fmt.Errorf("client: not connected")
	}
	return cn.SendMessage(typeTag, data)
}

// Close stops the reconnect supervisor (if any) and gracefully closes the
// current Connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cn := c.current
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	if cn == nil {
		return nil
	}
	return cn.Close()
}
