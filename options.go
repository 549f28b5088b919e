package mqttcore

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"time"
)

// ContextDialer is an interface for custom network dialing logic.
// It matches the signature of net.Dialer.DialContext.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// clientOptions holds configuration for the MQTT client.
type clientOptions struct {
	// MQTT server address (e.g., "tcp://localhost:1883")
	Server string

	// Client identifier
	ClientID string

	// Username for authentication (optional)
	Username string

	// Password for authentication (optional)
	Password string

	// Keep alive interval
	KeepAlive time.Duration

	// Clean session flag, sent with every CONNECT this client issues,
	// including reconnects: the broker resumes the persisted session when
	// false, and starts fresh every time when true.
	CleanSession bool

	// Auto-reconnect on connection loss
	AutoReconnect bool

	// Connection timeout
	ConnectTimeout time.Duration

	// Delay before the very first connection attempt.
	FirstConnectDelay time.Duration

	// Reconnect backoff bounds. Interval after attempt n is
	// min(MinReconnectInterval*2^n, MaxReconnectInterval), plus jitter.
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration

	// TLS configuration (optional)
	TLSConfig *tls.Config

	// Logger for client events (optional, defaults to discarding logs)
	Logger *slog.Logger

	// Limits (0 = use MQTT spec defaults)
	MaxTopicLength    int // Maximum topic length (default: 65535)
	MaxPayloadSize    int // Maximum outgoing payload size (default: 256MB)
	MaxIncomingPacket int // Maximum incoming packet size (default: 256MB)

	// Maximum number of QoS 1/2 publishes the client keeps unacknowledged
	// at once before queuing further publishes locally. 0 = unbounded.
	MaxInflight int

	// Buffer sizes for the outgoing/incoming packet channels.
	OutgoingQueueSize int
	IncomingQueueSize int

	// Will message (optional)
	will *willMessage

	// Lifecycle hooks (optional)
	OnConnect        func(*Client)
	OnConnectionLost func(*Client, error)

	// Handler is a stateful alternative to OnConnect/OnConnectionLost/
	// MessageHandler: one value implementing all five lifecycle hooks,
	// carrying state returned from its own Init. Set via WithHandler.
	// Coexists with the callbacks above and with per-subscription
	// MessageHandlers; all configured hooks for a given event fire.
	Handler     Handler
	HandlerArgs any

	// Initial subscriptions (optional)
	InitialSubscriptions map[string]MessageHandler

	// Default publish handler (optional)
	// Called when a PUBLISH packet doesn't match any registered subscription.
	DefaultPublishHandler MessageHandler

	// Custom dialer (optional)
	// If set, this is used to establish the connection instead of net.Dialer.
	Dialer ContextDialer

	// Session store for persistence (optional)
	// If set, session state will be persisted across process restarts.
	SessionStore SessionStore

	// Interceptors wrap incoming message handlers and outbound publishes with
	// cross-cutting concerns (logging, metrics, tracing). Applied in order,
	// outermost first.
	HandlerInterceptors []HandlerInterceptor
	PublishInterceptors []PublishInterceptor
}

// willMessage represents the Last Will and Testament message.
type willMessage struct {
	Topic    string
	Payload  []byte
	QoS      uint8
	Retained bool
}

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

// WithClientID sets the client identifier.
//
// The client ID uniquely identifies this client to the MQTT server.
//
// Empty client ID behavior (MQTT v3.1.1 spec):
//   - With CleanSession=true: Server will auto-generate a unique ID
//   - With CleanSession=false: Dial returns an error before any CONNECT is sent
//
// For persistent sessions (CleanSession=false), you MUST provide a non-empty client ID.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.ClientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.Username = username
		o.Password = password
	}
}

// WithKeepAlive sets the MQTT keep alive interval (default: 60s).
func WithKeepAlive(duration time.Duration) Option {
	return func(o *clientOptions) {
		o.KeepAlive = duration
	}
}

// WithCleanSession sets the clean session flag sent with every CONNECT.
//
// When set to true (default), the server will discard any previous session state
// and subscriptions for this client ID. Each connection starts fresh.
//
// When set to false, the server maintains session state across disconnections:
//   - Subscriptions persist and are restored on reconnect
//   - QoS 1 and 2 messages sent while offline are queued for delivery
//   - The client MUST use a non-empty client ID (via WithClientID)
//   - Dial returns an error, without contacting the server, if client ID is empty
//
// This flag is sent with every CONNECT the client issues, including
// reconnects after a transient network loss: with CleanSession=false the
// session built up on the first connection is resumed; with
// CleanSession=true every (re)connect starts from a clean session.
//
// Example (persistent session):
//
//	client, err := mqttcore.Dial("tcp://localhost:1883",
//	    mqttcore.WithClientID("sensor-1"),        // Required for CleanSession=false
//	    mqttcore.WithCleanSession(false))
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.CleanSession = clean
	}
}

// WithAutoReconnect enables or disables automatic reconnection (default: true).
func WithAutoReconnect(enable bool) Option {
	return func(o *clientOptions) {
		o.AutoReconnect = enable
	}
}

// WithConnectTimeout sets the connection timeout (default: 30s).
func WithConnectTimeout(duration time.Duration) Option {
	return func(o *clientOptions) {
		o.ConnectTimeout = duration
	}
}

// WithFirstConnectDelay sets a delay before the very first connection attempt.
// Useful for staggering a fleet of clients starting at the same time.
func WithFirstConnectDelay(delay time.Duration) Option {
	return func(o *clientOptions) {
		o.FirstConnectDelay = delay
	}
}

// WithReconnectBackoff sets the minimum and maximum reconnect backoff intervals.
// After the n-th consecutive failed attempt the client waits
// min(minInterval*2^n, maxInterval), plus jitter, before retrying.
// Defaults are 100ms and 30s.
func WithReconnectBackoff(minInterval, maxInterval time.Duration) Option {
	return func(o *clientOptions) {
		o.MinReconnectInterval = minInterval
		o.MaxReconnectInterval = maxInterval
	}
}

// WithMaxInflight caps the number of QoS 1/2 publishes kept unacknowledged at
// once; further publishes are queued locally until room frees up. 0 (default)
// means unbounded.
func WithMaxInflight(max int) Option {
	return func(o *clientOptions) {
		o.MaxInflight = max
	}
}

// WithOutgoingQueueSize sets the buffer size of the channel used to hand
// packets to the write loop (default: 1000).
func WithOutgoingQueueSize(size int) Option {
	return func(o *clientOptions) {
		o.OutgoingQueueSize = size
	}
}

// WithIncomingQueueSize sets the buffer size of the channel used to hand
// packets from the read loop to the logic loop (default: 100).
func WithIncomingQueueSize(size int) Option {
	return func(o *clientOptions) {
		o.IncomingQueueSize = size
	}
}

// WithTLS sets the TLS configuration for secure connections.
// Pass nil for default TLS settings, or provide a custom *tls.Config.
// The server URL should use "tls://", "ssl://", or "mqtts://" scheme, or this option
// will enable TLS for "tcp://" URLs as well.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.TLSConfig = config
	}
}

// WithDefaultPublishHandler sets a fallback handler for incoming PUBLISH messages
// that do not match any registered subscription.
//
// This is useful for:
//   - Handling messages received during reconnection race conditions
//   - Handling persistent subscriptions restored without a registered handler (orphans)
//   - Debugging or logging unexpected messages
//   - Implementing a catch-all strategy
//
// If not set (default), messages matching no subscription are silently dropped
// (but still acknowledged to comply with the protocol).
func WithDefaultPublishHandler(handler MessageHandler) Option {
	return func(o *clientOptions) {
		o.DefaultPublishHandler = handler
	}
}

// WithLogger sets a custom logger for the client.
// If not provided, the client will use a logger that discards all output.
// Use this to integrate with your application's logging system.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.Logger = logger
	}
}

// WithDialer sets a custom dialer for establishing the network connection.
// This enables support for alternative transports like WebSockets, Unix sockets,
// or proxying, without adding dependencies to the core library.
//
// If provided, the library will skip its standard scheme validation and
// delegate the connection creation entirely to the dialer.
func WithDialer(dialer ContextDialer) Option {
	return func(o *clientOptions) {
		o.Dialer = dialer
	}
}

// DialFunc is a helper to convert a function to the ContextDialer interface.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext implements ContextDialer.
func (f DialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// WithWill sets the Last Will and Testament (LWT) message.
//
// The LWT is a message that the MQTT server will automatically publish on behalf
// of the client if the client disconnects unexpectedly (e.g., network failure,
// crash, or power loss). It is NOT sent on graceful disconnects via Disconnect().
//
// Parameters:
//   - topic: The topic to publish the will message to
//   - payload: The message content (e.g., "offline", "disconnected")
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the will message should be retained by the server
//
// Example (status monitoring):
//
//	client, err := mqttcore.Dial("tcp://localhost:1883",
//	    mqttcore.WithClientID("sensor-1"),
//	    mqttcore.WithWill("devices/sensor-1/status", []byte("offline"), 1, true))
func WithWill(topic string, payload []byte, qos uint8, retained bool) Option {
	return func(o *clientOptions) {
		o.will = &willMessage{
			Topic:    topic,
			Payload:  payload,
			QoS:      qos,
			Retained: retained,
		}
	}
}

// WithOnConnect sets the handler to be called when the client connects.
// This is called for the initial connection and every successful reconnection.
//
// The handler is invoked asynchronously in a separate goroutine. This allows
// implementing complex setup logic (e.g., subscribing, publishing) without
// blocking the connection process or logic loop.
func WithOnConnect(onConnect func(*Client)) Option {
	return func(o *clientOptions) {
		o.OnConnect = onConnect
	}
}

// WithOnConnectionLost sets the handler to be called when the connection is lost.
// The error parameter provides the reason for disconnection.
//
// The handler is invoked asynchronously in a separate goroutine to ensure
// it does not block internal cleanup or reconnection attempts.
func WithOnConnectionLost(onConnectionLost func(*Client, error)) Option {
	return func(o *clientOptions) {
		o.OnConnectionLost = onConnectionLost
	}
}

// WithHandler attaches a stateful Handler to the client. args is passed to
// Handler.Init during Dial/DialContext, before the first CONNECT is sent,
// and its return value is threaded through every later hook as state.
//
// Handler is independent of OnConnect/OnConnectionLost and per-subscription
// MessageHandlers: all configured hooks for a given event fire, so existing
// code using the simpler callbacks keeps working unchanged if a Handler is
// added alongside it.
//
// Example:
//
//	type counter struct{ n int }
//
//	type countingHandler struct{}
//
//	func (countingHandler) Init(args any) any { return &counter{} }
//	func (countingHandler) OnConnectionStatus(s mqttcore.ConnectionStatus, state any) {}
//	func (countingHandler) HandleMessage(msg mqttcore.Message, state any) {
//	    state.(*counter).n++
//	}
//	func (countingHandler) OnSubscriptionResult(r mqttcore.SubscriptionResult, state any) {}
//	func (countingHandler) Terminate(reason error, state any) {}
//
//	client, err := mqttcore.Dial("tcp://localhost:1883",
//	    mqttcore.WithHandler(countingHandler{}, nil))
func WithHandler(handler Handler, args any) Option {
	return func(o *clientOptions) {
		o.Handler = handler
		o.HandlerArgs = args
	}
}

// DisconnectOptions holds configuration for a disconnection.
type DisconnectOptions struct{}

// DisconnectOption is a functional option for configuring a disconnection.
type DisconnectOption func(*DisconnectOptions)

// WithSubscription defines a subscription that the client should maintain.
//
// This serves two purposes:
//  1. Registers the MessageHandler locally before connection (preventing race conditions).
//  2. Automatically subscribes to the topic on connection/reconnection if needed.
//
// For persistent sessions (CleanSession=false):
//   - If SessionPresent=true: The server has the subscription; we just register the handler locally.
//   - If SessionPresent=false: The client will automatically resubscribe to this topic.
//
// For clean sessions (CleanSession=true):
//   - The client will automatically subscribe to this topic on every connection.
func WithSubscription(topic string, handler MessageHandler) Option {
	return func(o *clientOptions) {
		if o.InitialSubscriptions == nil {
			o.InitialSubscriptions = make(map[string]MessageHandler)
		}
		o.InitialSubscriptions[topic] = handler
	}
}

// WithSessionStore sets a custom session store for persistence.
//
// If set, session state (pending publishes, subscriptions, received QoS 2 IDs)
// will be persisted across process restarts. This enables the client to resume
// unacknowledged messages and subscriptions after a crash or reboot.
//
// The store is only loaded when the process starts (not on network reconnects).
// During normal reconnections, the in-memory state is used directly.
//
// Example with file-based storage:
//
//	store, err := mqttcore.NewFileStore("/var/lib/mqtt", "sensor-1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := mqttcore.Dial("tcp://localhost:1883",
//	    mqttcore.WithClientID("sensor-1"),
//	    mqttcore.WithCleanSession(false),
//	    mqttcore.WithSessionStore(store))
func WithSessionStore(store SessionStore) Option {
	return func(o *clientOptions) {
		o.SessionStore = store
	}
}

// WithHandlerInterceptor registers an interceptor that wraps every
// subscription MessageHandler. Interceptors registered first run outermost.
func WithHandlerInterceptor(interceptor HandlerInterceptor) Option {
	return func(o *clientOptions) {
		o.HandlerInterceptors = append(o.HandlerInterceptors, interceptor)
	}
}

// WithPublishInterceptor registers an interceptor that wraps every call to
// Client.Publish. Interceptors registered first run outermost.
func WithPublishInterceptor(interceptor PublishInterceptor) Option {
	return func(o *clientOptions) {
		o.PublishInterceptors = append(o.PublishInterceptors, interceptor)
	}
}

// defaultOptions returns the default client options.
func defaultOptions(server string) *clientOptions {
	return &clientOptions{
		Server:               server,
		ClientID:             "",
		KeepAlive:            60 * time.Second,
		CleanSession:         true,
		AutoReconnect:        true,
		ConnectTimeout:       30 * time.Second,
		MinReconnectInterval: 100 * time.Millisecond,
		MaxReconnectInterval: 30 * time.Second,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),

		// Use MQTT spec defaults (0 = use defaults in validation functions)
		MaxTopicLength:    0,
		MaxPayloadSize:    0,
		MaxIncomingPacket: 0,

		OutgoingQueueSize: 1000,
		IncomingQueueSize: 100,
	}
}
