package mqttcore

import (
	"fmt"
	"time"
)

// internalPublish processes a publish request synchronously with locking.
func (c *Client) internalPublish(req *publishRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	if pkt.QoS == 0 {
		c.sessionLock.Unlock()
		select {
		case c.outgoing <- pkt:
			req.token.complete(nil)
		case <-c.stop:
			req.token.complete(ErrClientDisconnected)
		}
		return
	}

	limit := c.opts.MaxInflight
	if limit > 0 && c.inFlightCount >= limit {
		c.publishQueue = append(c.publishQueue, req)
		c.sessionLock.Unlock()
		return
	}

	id, ok := c.nextID()
	if !ok {
		c.sessionLock.Unlock()
		req.token.complete(ErrPacketIDExhausted)
		return
	}
	pkt.PacketID = id

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		qos:       pkt.QoS,
		timestamp: time.Now(),
	}

	c.inFlightCount++

	if c.opts.SessionStore != nil {
		pub := c.convertToPersistedPublish(req)
		if err := c.opts.SessionStore.SavePendingPublish(pkt.PacketID, pub); err != nil {
			c.opts.Logger.Warn("failed to persist publish", "packet_id", pkt.PacketID, "error", err)
		}
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(ErrClientDisconnected)
	}
}

// sendPublishLocked sends a queued publish request. Assumes sessionLock is held.
// Returns true if the request was resolved (sent, or failed outright and
// should be dropped from the queue), false if it should stay at the head of
// the queue and be retried later.
func (c *Client) sendPublishLocked(req *publishRequest) bool {
	pkt := req.packet

	id, ok := c.nextID()
	if !ok {
		req.token.complete(ErrPacketIDExhausted)
		return true
	}
	pkt.PacketID = id

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		qos:       pkt.QoS,
		timestamp: time.Now(),
	}

	select {
	case c.outgoing <- pkt:
		c.inFlightCount++

		if c.opts.SessionStore != nil {
			pub := c.convertToPersistedPublish(req)
			if err := c.opts.SessionStore.SavePendingPublish(pkt.PacketID, pub); err != nil {
				c.opts.Logger.Warn("failed to persist publish", "packet_id", pkt.PacketID, "error", err)
			}
		}
		return true

	case <-c.stop:
		return false

	default:
		delete(c.pending, pkt.PacketID)
		return false
	}
}

// internalSubscribe processes a subscribe request synchronously with locking.
func (c *Client) internalSubscribe(req *subscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	id, ok := c.nextID()
	if !ok {
		c.sessionLock.Unlock()
		req.token.complete(ErrPacketIDExhausted)
		return
	}
	pkt.PacketID = id

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		timestamp: time.Now(),
	}

	// Register before receiving SUBACK to avoid racing with the server,
	// which might send matching messages before the SUBACK arrives.
	for i, topic := range pkt.Topics {
		qos := uint8(0)
		if i < len(pkt.QoS) {
			qos = pkt.QoS[i]
		}

		c.subscriptions[topic] = subscriptionEntry{
			handler: req.handler,
			options: SubscribeOptions{Persistence: req.persistence},
			qos:     qos,
		}
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(fmt.Errorf("client stopped"))
	}
}

// internalUnsubscribe processes an unsubscribe request synchronously with locking.
func (c *Client) internalUnsubscribe(req *unsubscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	id, ok := c.nextID()
	if !ok {
		c.sessionLock.Unlock()
		req.token.complete(ErrPacketIDExhausted)
		return
	}
	pkt.PacketID = id

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		timestamp: time.Now(),
	}

	for _, topic := range req.topics {
		delete(c.subscriptions, topic)
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(fmt.Errorf("client stopped"))
	}
}
