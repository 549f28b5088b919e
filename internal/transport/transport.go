package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Transport is the minimal byte-stream contract the client's read/write
// loops need: read, write, close, and a read deadline for keepalive
// timeout detection. net.Conn satisfies this directly.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
}

// Dialer opens a Transport to addr. TCPDialer, TLSDialer, and
// WebSocketDialer are the concrete implementations; a test can substitute
// a Dialer that returns a ScriptedTransport.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// TCPDialer dials a plain TCP connection.
type TCPDialer struct {
	NetDialer net.Dialer
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	return d.NetDialer.DialContext(ctx, "tcp", addr)
}

// TLSDialer dials a TCP connection and performs a TLS handshake using
// Config. A nil Config uses the Go default (system roots, no client certs).
type TLSDialer struct {
	Config *tls.Config
}

func (d TLSDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	cfg := d.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	dialer := &tls.Dialer{Config: cfg}
	return dialer.DialContext(ctx, "tcp", addr)
}

// WebSocketDialer dials an MQTT-over-WebSocket connection using the "mqtt"
// subprotocol. See DialWebSocket.
type WebSocketDialer struct{}

func (d WebSocketDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	return DialWebSocket(ctx, addr, nil)
}
