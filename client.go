package mqttcore

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopherlabs/mqttcore/internal/eventbus"
	"github.com/gopherlabs/mqttcore/internal/packets"
	"github.com/gopherlabs/mqttcore/internal/registry"
	"github.com/gopherlabs/mqttcore/internal/transport"
)

// clients tracks the client_id of every live connection in this process, so
// that Dialing the same client_id twice fails fast instead of producing two
// sessions the broker will fight over.
var clients = registry.New()

// Events publishes connection status, ping response, and connection
// lifecycle notifications keyed by client_id. Subscribe via
// mqttcore.Events.Subscribe(clientID, eventbus.Status) to observe a
// client's lifecycle without wiring OnConnect/OnConnectionLost callbacks.
var Events = eventbus.New()

type subscriptionEntry struct {
	handler MessageHandler
	options SubscribeOptions
	qos     uint8
}

// Client represents an MQTT client connection.
type Client struct {
	// Configuration
	opts *clientOptions

	// Connection
	conn     net.Conn
	connLock sync.RWMutex

	// Channels for goroutine communication
	outgoing       chan packets.Packet // Packets to send
	incoming       chan packets.Packet // Packets received
	packetReceived chan struct{}       // Signal when packet received (for keepalive)
	pingPendingCh  chan struct{}       // Signal when PINGRESP received
	stop           chan struct{}       // Shutdown signal
	stopOnce       sync.Once           // Guards close(c.stop) against a second close
	pingPending    bool                // True if PINGREQ sent but no PINGRESP received yet

	// handlerState is the value returned by opts.Handler.Init, threaded
	// through every later Handler hook. terminateOnce guards Handler.Terminate
	// against firing twice when a Disconnect races a fatal reconnect refusal.
	handlerState  any
	terminateOnce sync.Once

	// Session State Lock guards:
	// - pending
	// - subscriptions
	// - receivedQoS2
	// - inFlightCount
	// - publishQueue
	// - nextPacketID
	sessionLock sync.Mutex

	// Internal queues
	publishQueue []*publishRequest

	// State (managed by logicLoop to avoid races)
	nextPacketID  uint16
	pending       map[uint16]*pendingOp // Outgoing in-flight packets (PUBLISH QoS 1/2, SUBSCRIBE, UNSUBSCRIBE)
	subscriptions map[string]subscriptionEntry
	receivedQoS2  map[uint16]struct{} // Track received QoS 2 packet IDs to prevent duplicates
	inFlightCount int                 // Number of QoS 1/2 packets currently in flight (outgoing)

	// Lifecycle
	connected     atomic.Bool
	everConnected atomic.Bool
	wg            sync.WaitGroup

	// requestedKeepAlive preserves the original user-requested keepalive value
	// so it survives reconnection.
	requestedKeepAlive time.Duration

	// Stats (atomic)
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	reconnectCount  atomic.Uint64

	// For reconnection
	disconnected chan struct{}

	// attempt tracks consecutive failed reconnect attempts for backoff.
	attempt atomic.Uint64
}

// publishRequest represents a request to publish a message.
type publishRequest struct {
	packet *packets.PublishPacket
	token  *token
}

// subscribeRequest represents a request to subscribe to a topic.
type subscribeRequest struct {
	packet      *packets.SubscribePacket
	handler     MessageHandler
	token       *token
	persistence bool
}

// unsubscribeRequest represents a request to unsubscribe from topics.
type unsubscribeRequest struct {
	packet *packets.UnsubscribePacket
	topics []string
	token  *token
}

// pendingOp tracks an in-flight operation (publish, subscribe, etc.)
type pendingOp struct {
	packet    packets.Packet
	token     *token
	qos       uint8
	timestamp time.Time
}

// MessageHandler is called when a message is received on a subscribed topic.
type MessageHandler func(*Client, Message)

// DialContext establishes a connection to an MQTT server with a context and returns a Client.
//
// The context is used to control the initial connection establishment, including
// the network dial and MQTT CONNECT handshake. If the context is cancelled or
// expires before the handshake completes, DialContext returns an error.
//
// When using DialContext, the WithConnectTimeout option is ignored for the initial
// connection (as the provided context takes precedence), but it is still used
// for subsequent automatic reconnection attempts.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//
//	client, err := mqttcore.DialContext(ctx, "tcp://localhost:1883",
//	    mqttcore.WithClientID("my-client"))
func DialContext(ctx context.Context, server string, opts ...Option) (*Client, error) {
	options := defaultOptions(server)
	for _, opt := range opts {
		opt(options)
	}

	if options.Logger != nil {
		options.Logger = options.Logger.With("lib", "mqttcore")
	}

	c := &Client{
		opts:     options,
		outgoing: make(chan packets.Packet, options.OutgoingQueueSize),
		incoming: make(chan packets.Packet, options.IncomingQueueSize),

		packetReceived: make(chan struct{}, 1),
		pingPendingCh:  make(chan struct{}, 1),
		stop:           make(chan struct{}),
		pending:        make(map[uint16]*pendingOp),
		subscriptions:  make(map[string]subscriptionEntry),
		receivedQoS2:   make(map[uint16]struct{}),
		disconnected:   make(chan struct{}, 1),
	}

	for topic, handler := range options.InitialSubscriptions {
		c.subscriptions[topic] = subscriptionEntry{
			handler: handler,
			qos:     0,
		}
	}

	if options.Handler != nil {
		c.handlerState = options.Handler.Init(options.HandlerArgs)
	}

	if !c.opts.CleanSession {
		if err := c.loadSessionState(); err != nil {
			c.opts.Logger.Warn("failed to load session state", "error", err)
		}
	}

	if err := clients.Register(c.opts.ClientID, c); err != nil {
		return nil, err
	}

	if err := c.connect(ctx, c.opts.CleanSession); err != nil {
		clients.Deregister(c.opts.ClientID)
		return nil, err
	}
	c.everConnected.Store(true)

	c.wg.Add(1)
	go c.logicLoop()

	if options.AutoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}

	return c, nil
}

// Dial establishes a connection to an MQTT server and returns a Client.
//
// It is a wrapper around DialContext that uses the configured connection
// timeout (see WithConnectTimeout) to control the initial handshake, and
// honors WithFirstConnectDelay before dialing.
//
// The server parameter specifies the server address with scheme and port.
// Supported schemes:
//   - tcp://  or mqtt://  - Unencrypted connection (default port 1883)
//   - tls://, ssl://, or mqtts:// - TLS encrypted connection (default port 8883)
//
// Example (basic connection):
//
//	client, err := mqttcore.Dial("tcp://localhost:1883",
//	    mqttcore.WithClientID("my-client"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
func Dial(server string, opts ...Option) (*Client, error) {
	// Parse options purely to get the ConnectTimeout / FirstConnectDelay.
	options := defaultOptions(server)
	for _, opt := range opts {
		opt(options)
	}

	if options.FirstConnectDelay > 0 {
		time.Sleep(options.FirstConnectDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()

	return DialContext(ctx, server, opts...)
}

// connect establishes the TCP connection and performs the MQTT handshake.
// cleanSession is the CleanSession flag to send with this attempt's CONNECT;
// callers pass c.opts.CleanSession so both the first connect and every
// reconnect honor the same user-configured choice.
func (c *Client) connect(ctx context.Context, cleanSession bool) error {
	c.opts.Logger.Debug("connecting to MQTT server", "server", c.opts.Server)

	if c.opts.ClientID == "" && !cleanSession {
		return fmt.Errorf("MQTT requires a non-empty ClientID when CleanSession is false")
	}

	if c.requestedKeepAlive == 0 {
		c.requestedKeepAlive = c.opts.KeepAlive
	}

	conn, err := c.dialServer(ctx)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()

	cw := &countingWriter{Writer: conn, c: c}

	connectPkt := c.buildConnectPacket(cleanSession)
	if _, err := connectPkt.WriteTo(cw); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}
	c.packetsSent.Add(1)

	connack, err := c.performHandshake(ctx, conn)
	if err != nil {
		return err
	}

	if connack.ReturnCode != packets.ConnAccepted {
		conn.Close()

		switch connack.ReturnCode {
		case packets.ConnRefusedUnacceptableProtocol:
			return ErrUnacceptableProtocolVersion
		case packets.ConnRefusedIdentifierRejected:
			return ErrIdentifierRejected
		case packets.ConnRefusedServerUnavailable:
			return ErrServerUnavailable
		case packets.ConnRefusedBadUsernameOrPassword:
			return ErrBadUsernameOrPassword
		case packets.ConnRefusedNotAuthorized:
			return ErrNotAuthorized
		default:
			return &ConnackError{ReturnCode: connack.ReturnCode}
		}
	}

	c.opts.KeepAlive = c.requestedKeepAlive

	if !cleanSession {
		if err := c.checkSessionPresent(connack.SessionPresent); err != nil {
			c.opts.Logger.Warn("failed to check session present", "error", err)
		}
	}

	c.opts.Logger.Debug("connection established", "server", c.opts.Server)
	Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Status, Data: "connected"})
	Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Connection})
	c.dispatchConnectionStatus(StatusConnected)

	c.connected.Store(true)

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect(c)
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	c.opts.Logger.Debug("client started", "client_id", c.opts.ClientID)
	return nil
}

// dialServer establishes a TCP, TLS, or custom connection to the MQTT server.
func (c *Client) dialServer(ctx context.Context) (net.Conn, error) {
	// If a custom dialer is provided, trust it to handle the scheme and address.
	// Pass the raw server string as the address to allow flexibility (e.g. WebSocket paths).
	if c.opts.Dialer != nil {
		network := "tcp"
		if u, err := url.Parse(c.opts.Server); err == nil && u.Scheme != "" {
			network = u.Scheme
		}

		conn, err := c.opts.Dialer.DialContext(ctx, network, c.opts.Server)
		if err != nil {
			return nil, fmt.Errorf("custom dialer failed: %w", err)
		}
		return conn, nil
	}

	u, err := url.Parse(c.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	if u.Scheme == "ws" || u.Scheme == "wss" {
		conn, err := transport.DialWebSocket(ctx, c.opts.Server, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, err)
		}
		return conn, nil
	}

	if u.Port() == "" {
		switch u.Scheme {
		case "tls", "ssl", "mqtts":
			u.Host = net.JoinHostPort(u.Host, "8883")
		case "tcp", "mqtt", "":
			u.Host = net.JoinHostPort(u.Host, "1883")
		}
	}

	useTLS := u.Scheme == "tls" || u.Scheme == "ssl" || u.Scheme == "mqtts" || c.opts.TLSConfig != nil
	if !useTLS && u.Scheme != "tcp" && u.Scheme != "mqtt" {
		return nil, fmt.Errorf("unsupported scheme: %s (supported: tcp, mqtt, tls, ssl, mqtts, ws, wss)", u.Scheme)
	}

	var conn net.Conn
	if useTLS {
		tlsConfig := c.opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{},
			Config:    tlsConfig,
		}
		conn, err = dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, &TLSError{Detail: err.Error()}
		}
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, err)
		}
	}

	return conn, nil
}

// buildConnectPacket creates a CONNECT packet with the client's configuration.
func (c *Client) buildConnectPacket(cleanSession bool) *packets.ConnectPacket {
	keepalive := c.requestedKeepAlive
	if keepalive == 0 {
		keepalive = c.opts.KeepAlive
	}

	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: packets.ProtocolLevel311,
		CleanSession:  cleanSession,
		KeepAlive:     uint16(keepalive.Seconds()),
		ClientID:      c.opts.ClientID,
	}

	if c.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.opts.Username
	}
	if c.opts.Password != "" {
		pkt.PasswordFlag = true
		pkt.Password = c.opts.Password
	}

	if c.opts.will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.opts.will.Topic
		pkt.WillMessage = c.opts.will.Payload
		pkt.WillQoS = c.opts.will.QoS
		pkt.WillRetain = c.opts.will.Retained
	}

	return pkt
}

// readLoop continuously reads packets from the network.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.handleDisconnect()

	c.connLock.RLock()
	conn := c.conn
	c.connLock.RUnlock()

	if conn == nil {
		return
	}

	cr := &countingReader{Reader: conn, c: c}
	br := bufio.NewReader(cr)

	for {
		pkt, err := packets.ReadPacket(br, c.opts.MaxIncomingPacket)
		if err != nil {
			c.opts.Logger.Debug("read error, disconnecting", "error", err)
			return
		}
		c.packetsReceived.Add(1)

		c.opts.Logger.Debug("received packet", "type", packets.PacketNames[pkt.Type()])

		select {
		case c.packetReceived <- struct{}{}:
		default:
		}

		select {
		case c.incoming <- pkt:
		case <-c.stop:
			c.opts.Logger.Debug("readLoop stopped")
			return
		}
	}
}

// writeLoop continuously writes packets to the network and handles keepalive.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	var ticker *time.Ticker
	var tickerCh <-chan time.Time

	if c.opts.KeepAlive > 0 {
		// Ticker runs 4 times per keepalive interval for better resolution
		ticker = time.NewTicker(c.opts.KeepAlive / 4)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	c.connLock.RLock()
	conn := c.conn
	c.connLock.RUnlock()

	if conn == nil {
		c.opts.Logger.Debug("writeLoop started but not connected")
		return
	}

	cw := &countingWriter{Writer: conn, c: c}
	bw := bufio.NewWriter(cw)
	lastReceived := time.Now()
	lastSent := lastReceived

	for {
		select {
		case pkt := <-c.outgoing:
			c.opts.Logger.Debug("sending packet", "type", packets.PacketNames[pkt.Type()])
			if _, err := pkt.WriteTo(bw); err != nil {
				c.opts.Logger.Debug("write error, disconnecting", "error", err)
				c.handleDisconnect()
				return
			}
			c.packetsSent.Add(1)
			lastSent = time.Now()

			// Batching: try to drain channel to fill buffer
			count := len(c.outgoing)
			for i := 0; i < count; i++ {
				pkt := <-c.outgoing
				c.opts.Logger.Debug("sending packet (batch)", "type", packets.PacketNames[pkt.Type()])
				if _, err := pkt.WriteTo(bw); err != nil {
					c.opts.Logger.Debug("write error (batch), disconnecting", "error", err)
					c.handleDisconnect()
					return
				}
				c.packetsSent.Add(1)
				lastSent = time.Now()
			}

			if err := bw.Flush(); err != nil {
				c.opts.Logger.Debug("flush error, disconnecting", "error", err)
				c.handleDisconnect()
				return
			}

		case <-c.packetReceived:
			lastReceived = time.Now()

		case <-c.pingPendingCh:
			c.pingPending = false

		case <-tickerCh:
			timeout := c.opts.KeepAlive + c.opts.KeepAlive/2 // 1.5x keepalive
			if time.Since(lastReceived) >= timeout {
				c.opts.Logger.Debug("keepalive timeout, no packets received",
					"timeout", timeout,
					"last_received", time.Since(lastReceived))
				c.handleDisconnect()
				return
			}

			threshold := c.opts.KeepAlive - (c.opts.KeepAlive / 4)
			timeSinceSent := time.Since(lastSent)
			timeSinceReceived := time.Since(lastReceived)

			if !c.pingPending && (timeSinceSent >= threshold || timeSinceReceived >= threshold) {
				ping := &packets.PingreqPacket{}
				if _, err := ping.WriteTo(bw); err != nil {
					c.handleDisconnect()
					return
				}
				if err := bw.Flush(); err != nil {
					c.handleDisconnect()
					return
				}
				lastSent = time.Now()
				c.pingPending = true
			}

		case <-c.stop:
			c.opts.Logger.Debug("writeLoop stopped")
			return
		}
	}
}

// handleDisconnect handles connection loss.
func (c *Client) handleDisconnect() {
	if !c.connected.Swap(false) {
		return // Already disconnected
	}

	c.connLock.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connLock.Unlock()

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(c, ErrTransportClosed)
	}

	Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Status, Data: "disconnected"})
	Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Connection, Data: ErrTransportClosed})
	c.dispatchConnectionStatus(StatusDisconnected)

	select {
	case c.disconnected <- struct{}{}:
	default:
	}
}

// fatalProtocolViolation tears the connection down after the peer has broken
// the wire protocol in a way that leaves the session state machine undefined
// (an out-of-sequence acknowledgment, an unexpected packet type). Unlike a
// refused CONNACK this is not a terminal state: the caller's supervisor is
// free to reconnect, so the disconnect notification runs through the same
// path as an ordinary transport failure.
func (c *Client) fatalProtocolViolation(err error) {
	c.opts.Logger.Error("protocol violation, closing connection", "error", err)

	if !c.connected.Swap(false) {
		return
	}

	c.connLock.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connLock.Unlock()

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(c, err)
	}

	Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Status, Data: "disconnected"})
	Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Connection, Data: err})
	c.dispatchConnectionStatus(StatusDisconnected)

	select {
	case c.disconnected <- struct{}{}:
	default:
	}
}

// IsConnected returns true if the client is currently connected to the server.
// This method is thread-safe.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect gracefully disconnects from the server.
//
// It sends a DISCONNECT packet to the server, stops all background goroutines,
// and closes the network connection. The function blocks until all goroutines
// have exited or the context is cancelled.
//
// If AutoReconnect is enabled, it will be disabled after calling Disconnect.
// To reconnect, create a new client with Dial.
func (c *Client) Disconnect(ctx context.Context) error {
	c.opts.Logger.Debug("disconnecting from server")

	defer clients.Deregister(c.opts.ClientID)
	defer c.dispatchTerminate(nil)

	if !c.connected.Swap(false) {
		return nil // Already disconnected
	}

	select {
	case c.outgoing <- &packets.DisconnectPacket{}:
	case <-time.After(100 * time.Millisecond):
		// Timeout sending disconnect, continue anyway
	}

	time.Sleep(100 * time.Millisecond)

	c.stopOnce.Do(func() { close(c.stop) })

	c.connLock.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connLock.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.opts.Logger.Debug("disconnected successfully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for goroutines to exit")
	}
}

// reconnectBackoff returns the wait interval for the given consecutive
// failed-attempt count: min(minInterval*2^n, maxInterval), with up to 20%
// jitter to avoid synchronized reconnect storms across many clients.
func reconnectBackoff(n uint64, minInterval, maxInterval time.Duration) time.Duration {
	if minInterval <= 0 {
		minInterval = 100 * time.Millisecond
	}
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}

	backoff := minInterval
	for i := uint64(0); i < n; i++ {
		backoff *= 2
		if backoff >= maxInterval {
			backoff = maxInterval
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1))
	return backoff + jitter
}

// reconnectLoop handles automatic reconnection.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.disconnected:
			wait := reconnectBackoff(c.attempt.Load(), c.opts.MinReconnectInterval, c.opts.MaxReconnectInterval)

			select {
			case <-time.After(wait):
			case <-c.stop:
				return
			}

			c.reconnectCount.Add(1)

			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
			// Reconnects reuse the user's original CleanSession choice: a
			// client configured for a persistent session (CleanSession=false)
			// resumes it, while one that asked for a clean session every time
			// (CleanSession=true) gets a clean session on every reconnect too.
			err := c.connect(ctx, c.opts.CleanSession)
			cancel()

			if err != nil {
				if isFatalConnectError(err) {
					c.opts.Logger.Error("reconnect refused by server, giving up", "error", err)
					clients.Deregister(c.opts.ClientID)

					if c.opts.OnConnectionLost != nil {
						go c.opts.OnConnectionLost(c, err)
					}
					Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Status, Data: "refused"})
					Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.Connection, Data: err})
					c.dispatchConnectionStatus(StatusRefused)
					c.dispatchTerminate(err)

					c.stopOnce.Do(func() { close(c.stop) })
					return
				}

				c.attempt.Add(1)
				select {
				case c.disconnected <- struct{}{}:
				default:
				}
				continue
			}

			c.attempt.Store(0)
			c.resubscribeAll()

		case <-c.stop:
			c.opts.Logger.Debug("reconnectLoop stopped")
			return
		}
	}
}

// ClientStats holds connection and throughput statistics.
type ClientStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ReconnectCount  uint64
	Connected       bool
}

// GetStats returns the current client statistics.
func (c *Client) GetStats() ClientStats {
	return ClientStats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ReconnectCount:  c.reconnectCount.Load(),
		Connected:       c.IsConnected(),
	}
}

func (c *Client) performHandshake(ctx context.Context, conn net.Conn) (*packets.ConnackPacket, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.ConnectTimeout)
	}

	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	cr := &countingReader{Reader: conn, c: c}
	pkt, err := packets.ReadPacket(cr, c.opts.MaxIncomingPacket)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read packet: %w", err)
	}
	c.packetsReceived.Add(1)

	connack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: expected CONNACK, got packet type %d", ErrProtocolViolation, pkt.Type())
	}
	return connack, nil
}

type countingReader struct {
	io.Reader
	c *Client
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.c.bytesReceived.Add(uint64(n))
	}
	return n, err
}

type countingWriter struct {
	io.Writer
	c *Client
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if n > 0 {
		w.c.bytesSent.Add(uint64(n))
	}
	return n, err
}
