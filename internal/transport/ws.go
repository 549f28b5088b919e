// Package transport adapts non-TCP byte streams to net.Conn so the client's
// read/write loops can treat them like any other socket.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DialWebSocket opens a WebSocket connection to addr using the "mqtt"
// subprotocol (MQTT-6.0.0-3) and wraps it as a net.Conn carrying binary
// MQTT frames.
func DialWebSocket(ctx context.Context, addr string, header http.Header) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, addr, header)
	if err != nil {
		return nil, err
	}

	return &wsConn{Conn: conn}, nil
}

// wsConn adapts a *websocket.Conn to net.Conn. Each MQTT byte stream write
// becomes one binary WebSocket message; reads drain the current message
// before requesting the next one from the underlying connection.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage { // MQTT-6.0.0-1
				return 0, errors.New("transport: non-binary websocket message")
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}
