package mqttcore

import (
	"fmt"
	"time"

	"github.com/gopherlabs/mqttcore/internal/eventbus"
	"github.com/gopherlabs/mqttcore/internal/packets"
)

// logicLoop handles incoming packets and the retry timer. The pending and
// subscriptions maps are shared with the Publish/Subscribe/Unsubscribe
// callers, so each step here runs with sessionLock held.
func (c *Client) logicLoop() {
	defer c.wg.Done()

	retryTicker := time.NewTicker(5 * time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case pkt := <-c.incoming:
			c.sessionLock.Lock()
			c.handleIncoming(pkt)
			c.sessionLock.Unlock()

		case <-retryTicker.C:
			c.sessionLock.Lock()
			c.retryPending()
			c.processPublishQueue()
			c.sessionLock.Unlock()

		case <-c.stop:
			c.opts.Logger.Debug("logicLoop stopped")
			c.sessionLock.Lock()
			for _, op := range c.pending {
				op.token.complete(ErrClientDisconnected)
			}
			for _, req := range c.publishQueue {
				req.token.complete(ErrClientDisconnected)
			}
			c.publishQueue = nil
			c.sessionLock.Unlock()
			return
		}
	}
}

// internalResetState clears the received QoS 2 packet IDs (called when the
// broker reports no session present). It acquires the session lock.
func (c *Client) internalResetState() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	c.receivedQoS2 = make(map[uint16]struct{})
}

// handleIncoming processes incoming packets from the server.
func (c *Client) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		c.handlePublish(p)

	case *packets.PubackPacket:
		c.handlePuback(p)

	case *packets.PubrecPacket:
		c.handlePubrec(p)

	case *packets.PubrelPacket:
		c.handlePubrel(p)

	case *packets.PubcompPacket:
		c.handlePubcomp(p)

	case *packets.SubackPacket:
		c.handleSuback(p)

	case *packets.UnsubackPacket:
		c.handleUnsuback(p)

	case *packets.PingrespPacket:
		select {
		case c.pingPendingCh <- struct{}{}:
		default:
		}
		Events.Publish(eventbus.Event{ClientID: c.opts.ClientID, Type: eventbus.PingResponse})

	case *packets.DisconnectPacket:
		c.opts.Logger.Warn("received DISCONNECT from server")

	default:
		c.opts.Logger.Error("received unexpected packet type from server", "type", pkt.Type())
		c.fatalProtocolViolation(fmt.Errorf("%w: unexpected packet type %d from server", ErrProtocolViolation, pkt.Type()))
	}
}

// handlePublish processes an incoming PUBLISH packet.
func (c *Client) handlePublish(p *packets.PublishPacket) {
	// For QoS 2, check if we've already received this packet.
	if p.QoS == 2 {
		if _, exists := c.receivedQoS2[p.PacketID]; exists {
			select {
			case c.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
			case <-c.stop:
			default:
			}
			return
		}
		c.receivedQoS2[p.PacketID] = struct{}{}

		if c.opts.SessionStore != nil {
			if err := c.opts.SessionStore.SaveReceivedQoS2(p.PacketID); err != nil {
				c.opts.Logger.Warn("failed to persist QoS2 ID", "packet_id", p.PacketID, "error", err)
			}
		}
	}

	var handlers []MessageHandler
	for filter, entry := range c.subscriptions {
		if MatchTopic(filter, p.Topic) {
			if entry.handler != nil {
				handlers = append(handlers, entry.handler)
			}
		}
	}

	if len(handlers) == 0 && c.opts.DefaultPublishHandler != nil {
		handlers = append(handlers, c.opts.DefaultPublishHandler)
	}

	msg := Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       QoS(p.QoS),
		Retained:  p.Retain,
		Duplicate: p.Dup,
	}

	for _, handler := range handlers {
		h := c.wrapHandler(handler) // Capture for goroutine
		go h(c, msg)
	}

	if c.opts.Handler != nil {
		go c.opts.Handler.HandleMessage(msg, c.handlerState)
	}

	switch p.QoS {
	case 1:
		select {
		case c.outgoing <- &packets.PubackPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
	case 2:
		select {
		case c.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
	}
}

// handlePuback processes a PUBACK packet (QoS 1 acknowledgment).
func (c *Client) handlePuback(p *packets.PubackPacket) {
	if op, ok := c.pending[p.PacketID]; ok {
		op.token.complete(nil)
		delete(c.pending, p.PacketID)

		if c.opts.SessionStore != nil {
			if err := c.opts.SessionStore.DeletePendingPublish(p.PacketID); err != nil {
				c.opts.Logger.Warn("failed to delete pending publish", "packet_id", p.PacketID, "error", err)
			}
		}

		c.inFlightCount--
		c.processPublishQueue()
	}
}

// handlePubrec processes a PUBREC packet (QoS 2, step 1).
func (c *Client) handlePubrec(p *packets.PubrecPacket) {
	if op, ok := c.pending[p.PacketID]; ok {
		pubrel := &packets.PubrelPacket{PacketID: p.PacketID}
		select {
		case c.outgoing <- pubrel:
			op.packet = pubrel
			op.timestamp = time.Now()
		case <-c.stop:
		default:
		}
	}
}

// handlePubrel processes a PUBREL packet (QoS 2, step 2).
func (c *Client) handlePubrel(p *packets.PubrelPacket) {
	select {
	case c.outgoing <- &packets.PubcompPacket{PacketID: p.PacketID}:
	case <-c.stop:
	default:
	}

	delete(c.receivedQoS2, p.PacketID)

	if c.opts.SessionStore != nil {
		if err := c.opts.SessionStore.DeleteReceivedQoS2(p.PacketID); err != nil {
			c.opts.Logger.Warn("failed to delete QoS2 ID", "packet_id", p.PacketID, "error", err)
		}
	}
}

// handlePubcomp processes a PUBCOMP packet (QoS 2, step 3).
func (c *Client) handlePubcomp(p *packets.PubcompPacket) {
	op, ok := c.pending[p.PacketID]
	if !ok {
		return
	}

	if _, sentPubrel := op.packet.(*packets.PubrelPacket); !sentPubrel {
		// PUBCOMP arrived without us ever having sent a PUBREL for this id,
		// meaning the broker skipped PUBREC. The exchange is out of sequence.
		c.opts.Logger.Error("received PUBCOMP without prior PUBREC", "packet_id", p.PacketID)
		c.fatalProtocolViolation(fmt.Errorf("%w: pubcomp without pubrec for packet id %d", ErrProtocolViolation, p.PacketID))
		return
	}

	op.token.complete(nil)
	delete(c.pending, p.PacketID)

	if c.opts.SessionStore != nil {
		if err := c.opts.SessionStore.DeletePendingPublish(p.PacketID); err != nil {
			c.opts.Logger.Warn("failed to delete pending publish", "packet_id", p.PacketID, "error", err)
		}
	}

	c.inFlightCount--
	c.processPublishQueue()
}

// handleSuback processes a SUBACK packet.
func (c *Client) handleSuback(p *packets.SubackPacket) {
	if op, ok := c.pending[p.PacketID]; ok {
		var err error
		for _, code := range p.ReturnCodes {
			if code >= 0x80 {
				err = ErrSubscriptionFailed
				break
			}
		}

		if subPkt, ok := op.packet.(*packets.SubscribePacket); ok {
			for i, topic := range subPkt.Topics {
				success := i < len(p.ReturnCodes) && p.ReturnCodes[i] < 0x80

				if success && c.opts.SessionStore != nil {
					if entry, ok := c.subscriptions[topic]; ok && entry.options.Persistence {
						sub := c.convertToPersistedSubscription(entry)
						if err := c.opts.SessionStore.SaveSubscription(topic, sub); err != nil {
							c.opts.Logger.Warn("failed to persist subscription", "topic", topic, "error", err)
						}
					}
				}

				if c.opts.Handler != nil {
					var subErr error
					if !success {
						subErr = ErrSubscriptionFailed
					}
					qos := QoS(0)
					if i < len(subPkt.QoS) {
						qos = QoS(subPkt.QoS[i])
					}
					c.dispatchSubscriptionResult(topic, qos, subErr)
				}
			}
		}

		op.token.complete(err)
		delete(c.pending, p.PacketID)
	}
}

// handleUnsuback processes an UNSUBACK packet.
func (c *Client) handleUnsuback(p *packets.UnsubackPacket) {
	if op, ok := c.pending[p.PacketID]; ok {
		op.token.complete(nil)
		delete(c.pending, p.PacketID)

		if c.opts.SessionStore != nil {
			if unsubPkt, ok := op.packet.(*packets.UnsubscribePacket); ok {
				for _, topic := range unsubPkt.Topics {
					if err := c.opts.SessionStore.DeleteSubscription(topic); err != nil {
						c.opts.Logger.Warn("failed to delete subscription", "topic", topic, "error", err)
					}
				}
			}
		}
	}
}

// retryPending retransmits packets that haven't been acknowledged.
func (c *Client) retryPending() {
	now := time.Now()

	for _, op := range c.pending {
		if now.Sub(op.timestamp) > 10*time.Second {
			if pub, ok := op.packet.(*packets.PublishPacket); ok {
				pub.Dup = true
			}

			select {
			case c.outgoing <- op.packet:
				op.timestamp = now
			case <-c.stop:
				return
			default:
				return
			}
		}
	}
}

// nextID generates the next unused packet ID (1-65535, cycling). It reports
// false instead of an id when every id is currently in flight, rather than
// handing back one already in use.
func (c *Client) nextID() (uint16, bool) {
	for i := 0; i < 65535; i++ {
		c.nextPacketID++
		if c.nextPacketID == 0 {
			c.nextPacketID = 1
		}
		if _, used := c.pending[c.nextPacketID]; !used {
			return c.nextPacketID, true
		}
	}
	return 0, false
}
