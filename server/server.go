// Package server implements the accept loop, connection pool, and
// broadcast collaborator. It is the generalized descendant of
// BX-D-mini-RPC's server.Server (Serve/handleConn/Shutdown), extended
// from single-shot RPC handling into owning one conn.Connection per
// accepted client for that Connection's full authenticated lifetime, plus
// the broadcast and optional discovery registration the spec's server
// facade adds (spec §4.9).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"connectd/auth"
	"connectd/conn"
	"connectd/connconfig"
	"connectd/discovery"
	"connectd/router"
	"connectd/transport"

	"go.uber.org/zap"
)

// Hooks are optional observer callbacks (spec §6.4).
type Hooks struct {
	OnStartup         func(addr string)
	OnShutdown        func()
	OnClientConnect    func(connID string)
	OnClientDisconnect func(connID string, err error)
}

// Server accepts authenticated connections on one listener and dispatches
// their traffic through a shared Router.
type Server struct {
	cfg  connconfig.Options
	rtr  *router.Router
	log  *zap.Logger
	info auth.ServerInfo
	hooks Hooks

	registry    discovery.Registry
	serviceName string
	selfAddr    string

	mu      sync.RWMutex
	conns   map[string]*conn.Connection
	ln      net.Listener
	closing bool

	wg sync.WaitGroup
}

// New constructs a Server. rtr handles every MESSAGE/RPC_REQUEST received
// from any connected client.
func New(cfg connconfig.Options, rtr *router.Router, info auth.ServerInfo) *Server {
	if rtr == nil {
		rtr = router.New(cfg.ZapLogger())
	}
	return &Server{
		cfg:   cfg,
		rtr:   rtr,
		log:   cfg.ZapLogger(),
		info:  info,
		conns: make(map[string]*conn.Connection),
	}
}

// OnHooks registers the observable lifecycle callbacks.
func (s *Server) OnHooks(h Hooks) *Server {
	s.hooks = h
	return s
}

// WithDiscovery registers this server under serviceName at selfAddr on
// startup, and deregisters on Shutdown.
func (s *Server) WithDiscovery(reg discovery.Registry, serviceName, selfAddr string) *Server {
	s.registry = reg
	s.serviceName = serviceName
	s.selfAddr = selfAddr
	return s
}

// ListenAndServe binds cfg.Host:cfg.Port and accepts connections until
// ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := transport.Listen(s.cfg.Network(), addr)
	if err != nil {
		return err
	}
	s.ln = ln

	if s.registry != nil {
		if err := s.registry.Register(ctx, s.serviceName, discovery.Instance{Addr: s.selfAddr}); err != nil {
			s.log.Error("discovery registration failed", zap.Error(err))
		}
	}
	if s.hooks.OnStartup != nil {
		s.hooks.OnStartup(ln.Addr().String())
	}

	go func() {
		<-ctx.Done()
		s.Shutdown(s.cfg.ConnectionTimeout)
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing {
				return nil
			}
			return err
		}

		if s.cfg.MaxConnections > 0 && s.activeCount() >= s.cfg.MaxConnections {
			c.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleAccepted(c)
	}
}

func (s *Server) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleAccepted(raw net.Conn) {
	defer s.wg.Done()
	t := transport.NewTCP(raw)

	authTimeout := s.cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	authRes, err := auth.Server(t, s.cfg.Password, s.info, authTimeout)
	if err != nil {
		s.log.Debug("auth rejected", zap.Error(err), zap.String("remote", raw.RemoteAddr().String()))
		t.Close()
		return
	}

	cn := conn.New(t, conn.RoleServerAccepted, s.cfg, s.rtr)
	if err := cn.MarkAuthenticated(authRes.SessionToken); err != nil {
		t.Close()
		return
	}

	s.mu.Lock()
	s.conns[cn.ID()] = cn
	s.mu.Unlock()

	if s.hooks.OnClientConnect != nil {
		s.hooks.OnClientConnect(cn.ID())
	}

	runErr := cn.Run()

	s.mu.Lock()
	delete(s.conns, cn.ID())
	s.mu.Unlock()

	if s.hooks.OnClientDisconnect != nil {
		s.hooks.OnClientDisconnect(cn.ID(), runErr)
	}
}

// BroadcastFilter selects which connected clients a Broadcast reaches.
type BroadcastFilter struct {
	Include []string // connection ids; nil/empty means "everyone"
	Exclude []string
}

func (f BroadcastFilter) allowed(id string) bool {
	if len(f.Include) > 0 {
		found := false
		for _, want := range f.Include {
			if want == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, skip := range f.Exclude {
		if skip == id {
			return false
		}
	}
	return true
}

// Broadcast sends a MESSAGE to every matching connection, isolating
// per-connection failures so one bad client never aborts the rest (spec
// §4.9). Failed sends are logged individually; the return value is the
// count of connections that accepted the send, per spec §4.9.
func (s *Server) Broadcast(typeTag string, data map[string]any, filter BroadcastFilter) int {
	s.mu.RLock()
	targets := make([]*conn.Connection, 0, len(s.conns))
	for id, cn := range s.conns {
		if filter.allowed(id) {
			targets = append(targets, cn)
		}
	}
	s.mu.RUnlock()

	var sent int64
	var wg sync.WaitGroup
	for _, cn := range targets {
		wg.Add(1)
		go func(cn *conn.Connection) {
			defer wg.Done()
			if err := cn.SendMessage(typeTag, data); err != nil {
				s.log.Debug("broadcast send failed", zap.String("connection", cn.ID()), zap.Error(err))
				return
			}
			atomic.AddInt64(&sent, 1)
		}(cn)
	}
	wg.Wait()
	return int(sent)
}

// Connections returns the ids of all currently connected clients.
func (s *Server) Connections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting new connections, closes every active
// Connection, and waits up to timeout for their accept goroutines to
// finish.
func (s *Server) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conns := make([]*conn.Connection, 0, len(s.conns))
	for _, cn := range s.conns {
		conns = append(conns, cn)
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	if s.registry != nil {
		s.registry.Deregister(context.Background(), s.serviceName, discovery.Instance{Addr: s.selfAddr})
	}

	for _, cn := range conns {
		cn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("shutdown timed out waiting for connections to drain")
	}

	if s.hooks.OnShutdown != nil {
		s.hooks.OnShutdown()
	}
}
