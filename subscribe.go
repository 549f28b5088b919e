package mqttcore

import (
	"fmt"
	"time"

	"github.com/gopherlabs/mqttcore/internal/packets"
)

// SubscribeOptions holds configuration for a subscription.
type SubscribeOptions struct {
	Persistence bool // Persistence enabled by default
}

// SubscribeOption is a functional option for configuring a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithPersistence sets whether the subscription should be persisted to the session store.
// If true (default), the subscription is saved and restored on process restart.
// If false, the subscription is ephemeral and lost on client restart.
// This is independent of the MQTT CleanSession flag which controls server-side persistence.
func WithPersistence(persistence bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Persistence = persistence
	}
}

// Subscribe subscribes to a topic with the specified QoS level.
//
// The handler function is called for each message received on topics matching
// the subscription filter. If a message matches multiple subscription filters,
// the handlers for all matching subscriptions will be called.
//
// The handler is called in a separate goroutine, so it should not block for
// long periods.
//
// Topic filters support MQTT wildcards:
//   - '+' matches a single level (e.g., "sensors/+/temperature")
//   - '#' matches multiple levels (e.g., "sensors/#")
//
// The function returns a Token that completes when the subscription is
// acknowledged by the server.
//
// Example:
//
//	token := client.Subscribe("sensors/temperature", 1,
//	    func(c *mqttcore.Client, msg mqttcore.Message) {
//	        fmt.Printf("Temperature: %s\n", string(msg.Payload))
//	    })
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
func (c *Client) Subscribe(topic string, qos QoS, handler MessageHandler, opts ...SubscribeOption) Token {
	c.opts.Logger.Debug("subscribing to topic", "topic", topic, "qos", qos)

	if err := validateSubscribeTopic(topic, c.opts); err != nil {
		return newFailedToken(fmt.Errorf("invalid topic filter: %w", err))
	}

	if !qos.Valid() {
		return newFailedToken(fmt.Errorf("invalid QoS level %d", qos))
	}

	subOpts := &SubscribeOptions{
		Persistence: true,
	}
	for _, opt := range opts {
		opt(subOpts)
	}

	pkt := &packets.SubscribePacket{
		PacketID: 0, // Assigned by internalSubscribe
		Topics:   []string{topic},
		QoS:      []uint8{uint8(qos)},
	}

	tok := newToken()

	req := &subscribeRequest{
		packet:      pkt,
		handler:     handler,
		token:       tok,
		persistence: subOpts.Persistence,
	}

	c.internalSubscribe(req)

	return tok
}

// Unsubscribe unsubscribes from one or more topics.
//
// After unsubscribing, the client will no longer receive messages on the
// specified topics. The function returns a Token that completes when the
// unsubscription is acknowledged by the server.
//
// Example (single topic):
//
//	token := client.Unsubscribe("sensors/temperature")
//	token.Wait(context.Background())
//
// Example (multiple topics):
//
//	token := client.Unsubscribe("sensors/temp", "sensors/humidity", "sensors/pressure")
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Printf("Unsubscribe failed: %v", err)
//	}
func (c *Client) Unsubscribe(topics ...string) Token {
	c.opts.Logger.Debug("unsubscribing from topics", "topics", topics)

	if len(topics) == 0 {
		return newFailedToken(nil)
	}

	pkt := &packets.UnsubscribePacket{
		Topics: topics,
	}
	tok := newToken()
	req := &unsubscribeRequest{
		packet: pkt,
		topics: topics,
		token:  tok,
	}
	c.internalUnsubscribe(req)

	return tok
}

// resubscribeAll resubscribes to all active subscriptions after reconnection.
// This is called automatically by the reconnect loop.
func (c *Client) resubscribeAll() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	if len(c.subscriptions) == 0 {
		return
	}

	c.opts.Logger.Debug("resubscribing to topics", "count", len(c.subscriptions))

	var topics []string
	var qoss []uint8
	for topic, entry := range c.subscriptions {
		topics = append(topics, topic)
		qoss = append(qoss, entry.qos)
	}

	// Batch subscriptions to avoid exceeding server limits.
	// Most servers limit SUBSCRIBE packets to 100-200 topics.
	const batchSize = 100

	for i := 0; i < len(topics); i += batchSize {
		end := min(i+batchSize, len(topics))

		id, ok := c.nextID()
		if !ok {
			c.opts.Logger.Error("cannot resubscribe: packet identifier pool exhausted")
			return
		}

		pkt := &packets.SubscribePacket{
			PacketID: id,
			Topics:   topics[i:end],
			QoS:      qoss[i:end],
		}

		// Store pending operation BEFORE sending packet to avoid race conditions
		c.pending[pkt.PacketID] = &pendingOp{
			packet:    pkt,
			token:     newToken(),
			qos:       1,
			timestamp: time.Now(),
		}

		select {
		case c.outgoing <- pkt:
		case <-c.stop:
			return
		}

		c.opts.Logger.Debug("resubscribe packet sent",
			"packet_id", pkt.PacketID,
			"topics_count", len(pkt.Topics))
	}
}
