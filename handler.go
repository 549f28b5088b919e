package mqttcore

// ConnectionStatus describes a transition reported to a Handler's
// OnConnectionStatus hook. Values mirror the status strings this package
// already publishes on the package-level Events bus.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusRefused      ConnectionStatus = "refused"
)

// SubscriptionResult reports the outcome of one topic filter from a
// Subscribe call (or a resubscribe after reconnect), delivered to a
// Handler's OnSubscriptionResult hook once the broker's SUBACK is known.
type SubscriptionResult struct {
	Topic string
	QoS   QoS
	Err   error
}

// Handler is a stateful alternative to the plain per-subscription
// MessageHandler callback. Where MessageHandler is a bare func wired to one
// topic filter, a Handler is attached once for the whole client and carries
// state across every hook it receives.
//
// Init runs synchronously during Dial/DialContext, before the first CONNECT
// is sent, and its return value is threaded through as state to every hook
// below — a way to carry per-client data (a counter, a parser, a DB handle)
// without a package-level variable or closures captured at option-config
// time. Every hook after Init runs on its own goroutine, the same way
// OnConnect/OnConnectionLost/MessageHandler already do, so a slow handler
// can't stall the logic loop.
type Handler interface {
	// Init is called once with the args passed to WithHandler, and returns
	// the state value threaded through every later hook.
	Init(args any) any

	// OnConnectionStatus fires whenever the client's connection status
	// changes: connected, disconnected (transport loss, will retry if
	// AutoReconnect is set), or refused (fatal CONNACK rejection).
	OnConnectionStatus(status ConnectionStatus, state any)

	// HandleMessage fires for every incoming PUBLISH, independent of
	// whichever per-subscription MessageHandler (if any) also matched it.
	HandleMessage(msg Message, state any)

	// OnSubscriptionResult fires once per topic filter in a Subscribe call
	// or an automatic resubscribe after reconnect, after the SUBACK (or
	// subscription failure) is known.
	OnSubscriptionResult(result SubscriptionResult, state any)

	// Terminate fires once, when the client's lifecycle ends for good: an
	// explicit Disconnect, or a fatal CONNACK refusal with AutoReconnect
	// giving up. reason is nil for a caller-initiated Disconnect.
	Terminate(reason error, state any)
}

// dispatchConnectionStatus notifies the configured Handler, if any, of a
// connection status change. It runs the hook on its own goroutine so a slow
// or blocking Handler cannot stall the caller.
func (c *Client) dispatchConnectionStatus(status ConnectionStatus) {
	if c.opts.Handler == nil {
		return
	}
	go c.opts.Handler.OnConnectionStatus(status, c.handlerState)
}

// dispatchSubscriptionResult notifies the configured Handler, if any, of one
// topic filter's SUBACK outcome.
func (c *Client) dispatchSubscriptionResult(topic string, qos QoS, err error) {
	if c.opts.Handler == nil {
		return
	}
	result := SubscriptionResult{Topic: topic, QoS: qos, Err: err}
	go c.opts.Handler.OnSubscriptionResult(result, c.handlerState)
}

// dispatchTerminate notifies the configured Handler, if any, that the
// client's lifecycle has ended for good. Guarded by terminateOnce so a
// Disconnect racing a fatal refusal only fires it once.
func (c *Client) dispatchTerminate(reason error) {
	if c.opts.Handler == nil {
		return
	}
	c.terminateOnce.Do(func() {
		go c.opts.Handler.Terminate(reason, c.handlerState)
	})
}
