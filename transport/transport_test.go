package transport

import (
	"net"
	"testing"
	"time"

	"connectd/cerrors"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		st := NewTCP(conn)
		buf := make([]byte, 5)
		st.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := st.Read(buf); err != nil {
			return
		}
		st.Write(buf)
		st.Close()
	}()

	ct, err := Dial("tcp4", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ct.Close()

	ct.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := ct.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reply := make([]byte, 5)
	ct.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := ct.Read(reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(reply) != "hello" {
		t.Errorf("expected echo, got %q", reply)
	}
	<-serverDone
}

func TestCloseIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	conn, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	tr := NewTCP(conn)

	if err := tr.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}

func TestReadTimeoutClassifiesAsTimeout(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	ct, err := Dial("tcp4", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ct.Close()

	ct.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = ct.Read(buf)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	te, ok := err.(*cerrors.TransportError)
	if !ok || te.Kind != cerrors.TransportTimeout {
		t.Fatalf("expected a timeout TransportError, got %v", err)
	}
}
