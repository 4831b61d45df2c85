package client

import (
	"context"
	"net"
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

// acceptOnce runs one authenticated Connection accept on ln and serves it
// with rtr until the test closes it. Used to exercise Client.Connect and
// Client.Call against a real TCP loopback without pulling in the server
// package (which has its own test coverage for the accept loop itself).
func acceptOnce(t *testing.T, ln net.Listener, password string, rtr *router.Router) {
	t.Helper()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		tr := transport.NewTCP(c)
		if _, err := auth.Server(tr, password, auth.ServerInfo{Name: "test-server", Version: "1"}, time.Second); err != nil {
			tr.Close()
			return
		}
		cn := conn.New(tr, conn.RoleServerAccepted, fastHeartbeatConfig(), rtr)
		if err := cn.MarkAuthenticated("srv-token"); err != nil {
			tr.Close()
			return
		}
		cn.Run()
	}()
}

func listenLoopback(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestClientConnectAndCall(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()

	serverRtr := router.New(nil)
	serverRtr.RegisterRPC("echo", "", router.Schema{"text": {Kind: router.KindString, Required: true}}, nil,
		func(ctx context.Context, sender router.ResponseSender, params map[string]any) (any, error) {
			return params["text"], nil
		})
	acceptOnce(t, ln, "shared-secret", serverRtr)

	cfg := connconfig.DefaultClient()
	cfg.Password = "shared-secret"
	cfg.ServerHost = "127.0.0.1"
	cfg.ServerPort = port
	cfg.HeartbeatInterval = 15 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second

	cl := New(cfg, router.New(nil), auth.ClientInfo{Name: "test-client", Version: "1"})
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && cl.Connection().State() != conn.StateActive {
		time.Sleep(10 * time.Millisecond)
	}
	if cl.Connection().State() != conn.StateActive {
		t.Fatalf("expected connection ACTIVE before calling, got %s", cl.Connection().State())
	}

	res, err := cl.Call(ctx, "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res["success"] != true {
		t.Errorf("expected success true, got %v", res["success"])
	}
	if res["data"] != "hello" {
		t.Errorf("expected echoed hello, got %v", res["data"])
	}
	if res["correlation_id"] == nil || res["correlation_id"] == "" {
		t.Errorf("expected non-empty correlation_id, got %v", res["correlation_id"])
	}
}

func TestClientConnectWrongPassword(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()
	acceptOnce(t, ln, "shared-secret", router.New(nil))

	cfg := connconfig.DefaultClient()
	cfg.Password = "wrong"
	cfg.ServerHost = "127.0.0.1"
	cfg.ServerPort = port

	cl := New(cfg, router.New(nil), auth.ClientInfo{Name: "test-client", Version: "1"})
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestClientCallWithoutConnect(t *testing.T) {
	cfg := connconfig.DefaultClient()
	cl := New(cfg, router.New(nil), auth.ClientInfo{Name: "c", Version: "1"})
	_, err := cl.Call(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("expected not-connected error")
	}
}
