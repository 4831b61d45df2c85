package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"connectd/auth"
	"connectd/conn"
	"connectd/connconfig"
	"connectd/router"
	"connectd/transport"
)

func fastHeartbeatConfig() connconfig.Options {
	cfg := connconfig.Default()
	cfg.HeartbeatInterval = 15 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	return cfg
}

func dialAuthenticated(t *testing.T, addr, password string) *conn.Connection {
	t.Helper()
	var lastErr error
	var tr *transport.TCPTransport
	for i := 0; i < 20; i++ {
		tr, lastErr = transport.Dial("tcp4", addr, time.Second)
		if lastErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("dial: %v", lastErr)
	}

	res, err := auth.Client(tr, password, auth.ClientInfo{Name: "test", Version: "1"}, time.Second)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	c := conn.New(tr, conn.RoleClientInitiated, fastHeartbeatConfig(), router.New(nil))
	if err := c.MarkAuthenticated(res.SessionToken); err != nil {
		t.Fatalf("MarkAuthenticated: %v", err)
	}
	return c
}

func startTestServer(t *testing.T, cfg connconfig.Options, rtr *router.Router) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	cfg.Host = host
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	cfg.Port = port

	srv := New(cfg, rtr, auth.ServerInfo{Name: "test-server", Version: "1"})
	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	t.Cleanup(cancel)

	time.Sleep(20 * time.Millisecond)
	return srv, addr
}

func TestServerAcceptsAndTracksConnections(t *testing.T) {
	cfg := fastHeartbeatConfig()
	cfg.Password = "secret"
	srv, addr := startTestServer(t, cfg, router.New(nil))

	c := dialAuthenticated(t, addr, "secret")
	go c.Run()
	defer c.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(srv.Connections()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected one tracked connection, got %d", len(srv.Connections()))
}

func TestServerBroadcastReachesClient(t *testing.T) {
	cfg := fastHeartbeatConfig()
	cfg.Password = "secret"

	received := make(chan map[string]any, 1)
	clientRtr := router.New(nil)
	clientRtr.RegisterMessage("capture", "announce", 0, func(ctx context.Context, sender router.ResponseSender, payload map[string]any) (map[string]any, error) {
		received <- payload
		return nil, nil
	})

	srv, addr := startTestServer(t, cfg, router.New(nil))

	tr, err := transport.Dial("tcp4", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	res, err := auth.Client(tr, "secret", auth.ClientInfo{Name: "c", Version: "1"}, time.Second)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	c := conn.New(tr, conn.RoleClientInitiated, fastHeartbeatConfig(), clientRtr)
	if err := c.MarkAuthenticated(res.SessionToken); err != nil {
		t.Fatalf("MarkAuthenticated: %v", err)
	}
	go c.Run()
	defer c.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		srv.mu.RLock()
		n := len(srv.conns)
		var serverSide *conn.Connection
		for _, sc := range srv.conns {
			serverSide = sc
		}
		srv.mu.RUnlock()
		if n == 1 && c.State() == conn.StateActive && serverSide != nil && serverSide.State() == conn.StateActive {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sent := srv.Broadcast("announce", map[string]any{"text": "hello all"}, BroadcastFilter{})
	if sent != 1 {
		t.Fatalf("expected broadcast to reach 1 connection, got %d", sent)
	}

	select {
	case payload := <-received:
		if payload["text"] != "hello all" {
			t.Errorf("expected broadcast text, got %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestServerShutdownClosesConnections(t *testing.T) {
	cfg := connconfig.Default()
	cfg.Password = "secret"
	srv, addr := startTestServer(t, cfg, router.New(nil))

	c := dialAuthenticated(t, addr, "secret")
	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(srv.Connections()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	srv.Shutdown(2 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected client connection to be closed by shutdown")
	}
}
