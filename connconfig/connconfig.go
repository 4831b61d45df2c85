// Package connconfig carries the plain option structs consumed by server
// and client, the out-of-scope "configuration value carrier" collaborator
// named in spec §1. It mirrors BX-D-mini-RPC's constructor-with-explicit-
// parameters idiom (NewClient(reg, bal, codecType, poolSize)) generalized
// into option structs with an explicit Default() constructor, since the
// connection engine has far more knobs than the teacher's RPC client did.
package connconfig

import (
	"time"

	"go.uber.org/zap"
)

// Options carries every option named in spec §6.4 that applies to both
// server- and client-side Connections.
type Options struct {
	Password string // required: shared secret for the auth handshake

	Host string
	Port int
	IPv6 bool

	MaxConnections int
	BufferSize     int

	ConnectionTimeout time.Duration
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	SendQueueSize    int
	ReceiveQueueSize int

	EnableCompression  bool
	EnableBackpressure bool

	HighWatermark float64
	LowWatermark  float64

	// Logger receives structured diagnostics (connection id, state
	// transitions, frame types). A nil Logger is replaced by zap.NewNop()
	// so callers never need to guard against it.
	Logger *zap.Logger
}

// Default returns an Options populated with every default named in spec
// §6.4.
func Default() Options {
	return Options{
		Host:               "0.0.0.0",
		Port:               0,
		IPv6:               false,
		MaxConnections:     0,
		BufferSize:         4096,
		ConnectionTimeout:  10 * time.Second,
		AuthTimeout:        10 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   90 * time.Second,
		SendQueueSize:      1000,
		ReceiveQueueSize:   1000,
		EnableCompression:  true,
		EnableBackpressure: true,
		HighWatermark:      0.8,
		LowWatermark:       0.5,
		Logger:             zap.NewNop(),
	}
}

// Network returns the "tcp4"/"tcp6" network name net.Listen/net.Dial
// expect, derived from IPv6.
func (o Options) Network() string {
	if o.IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

// ZapLogger returns a non-nil logger, defaulting to a no-op one.
func (o Options) ZapLogger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// ClientOptions extends Options with the client-only fields from spec
// §6.4.
type ClientOptions struct {
	Options

	ServerHost string
	ServerPort int

	ConnectTimeout time.Duration
	RPCTimeout     time.Duration

	ReconnectEnabled         bool
	ReconnectAttempts        int // 0 = unlimited
	ReconnectDelay           time.Duration
	ReconnectDelayMultiplier float64
	ReconnectDelayMax        time.Duration
}

// DefaultClient returns a ClientOptions with every default named in spec
// §6.4.
func DefaultClient() ClientOptions {
	return ClientOptions{
		Options:                  Default(),
		ConnectTimeout:           10 * time.Second,
		RPCTimeout:               30 * time.Second,
		ReconnectEnabled:         false,
		ReconnectAttempts:        0,
		ReconnectDelay:           1 * time.Second,
		ReconnectDelayMultiplier: 2.0,
		ReconnectDelayMax:        30 * time.Second,
	}
}
