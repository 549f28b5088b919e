package mqttcore

import (
	"testing"
	"time"

	"github.com/gopherlabs/mqttcore/internal/packets"
)

// TestCompliance_Topic_Validation verifies topic validation rules including UTF-8, case sensitivity, and wildcards.
func TestCompliance_Topic_Validation(t *testing.T) {
	opts := defaultOptions("tcp://test:1883")

	t.Run("UTF-8 Validation", func(t *testing.T) {
		// MQTT 3.1.1 section 1.5.3: "UTF-8 data... MUST not include an encoding of the null character U+0000"
		invalidUTF8 := string([]byte{0xff, 0xfe, 0xfd}) // Invalid UTF-8 sequence

		err := validatePublishTopic(invalidUTF8, opts)
		if err == nil {
			t.Errorf("validatePublishTopic accepted invalid UTF-8")
		} else {
			t.Logf("Passed: Invalid UTF-8 topic rejected: %v", err)
		}
	})

	t.Run("Case Sensitivity", func(t *testing.T) {
		matched := MatchTopic("Topic/A", "topic/a")
		if matched {
			t.Errorf("MatchTopic MATCHED 'Topic/A' vs 'topic/a', expected NO match (case sensitive)")
		}
	})

	t.Run("Invalid Wildcard Placement", func(t *testing.T) {
		invalidFilters := []string{
			"sport/tennis#",          // # not alone
			"sport/tennis/#/ranking", // # not last
			"sport/ten+nis/player",   // + not alone
		}

		for _, f := range invalidFilters {
			err := validateSubscribeTopic(f, opts)
			if err == nil {
				t.Errorf("validateSubscribeTopic accepted invalid filter: %s", f)
			}
		}
	})
}

// TestCompliance_Connect_Validation verifies connection validation rules.
func TestCompliance_Connect_Validation(t *testing.T) {
	t.Run("Empty ClientID requires CleanSession=true", func(t *testing.T) {
		_, err := Dial("tcp://localhost:1883",
			WithClientID(""),
			WithCleanSession(false),
		)

		if err == nil {
			t.Fatal("Expected error when dialing with empty ClientID and CleanSession=false, got nil")
		}

		expectedError := "MQTT requires a non-empty ClientID when CleanSession is false"
		if err.Error() != expectedError {
			t.Errorf("Expected error %q, got %q", expectedError, err.Error())
		}
	})
}

// TestCompliance_PacketID_Reuse verifies that Packet IDs are not reused while in flight.
func TestCompliance_PacketID_Reuse(t *testing.T) {
	c := &Client{
		pending:      make(map[uint16]*pendingOp),
		nextPacketID: 10,
	}

	// Occupy ID 11
	c.pending[11] = &pendingOp{}

	// Generate next ID - should skip to 12 since 11 is in use.
	id, ok := c.nextID()
	if !ok {
		t.Fatal("nextID() reported exhaustion with only one id in use")
	}
	switch id {
	case 11:
		t.Errorf("Compliance violation: nextID() returned 11 which is currently in use (MQTT-2.3.1-4)")
	case 12:
		t.Logf("Compliance passed: nextID() skipped in-use ID 11")
	default:
		t.Errorf("Unexpected ID: %d", id)
	}
}

// TestCompliance_QoS2_Retransmission verifies correct QoS 2 flow retransmission (PUBREL vs PUBLISH).
func TestCompliance_QoS2_Retransmission(t *testing.T) {
	c := &Client{
		pending:  make(map[uint16]*pendingOp),
		outgoing: make(chan packets.Packet, 10),
		opts: &clientOptions{
			Logger: defaultOptions("").Logger,
		},
	}

	// Setup a QoS 2 publish in pending state
	pkt := &packets.PublishPacket{
		PacketID: 100,
		QoS:      2,
		Topic:    "test",
	}
	op := &pendingOp{
		packet:    pkt,
		qos:       2,
		timestamp: time.Now().Add(-20 * time.Second), // Expired
		token:     &token{},
	}
	c.pending[100] = op

	// Simulate receiving PUBREC
	// The handler should send PUBREL and update state
	pubrec := &packets.PubrecPacket{PacketID: 100}
	c.handlePubrec(pubrec)

	// Backdate timestamp again to trigger retryPending
	c.pending[100].timestamp = time.Now().Add(-20 * time.Second)

	// Check outgoing for PUBREL (first one from handlePubrec)
	select {
	case p := <-c.outgoing:
		if _, ok := p.(*packets.PubrelPacket); !ok {
			t.Errorf("Expected PUBREL after PUBREC, got %T", p)
		}
	default:
		t.Errorf("No packet sent after PUBREC")
	}

	// Simulate timeout and retry
	c.retryPending()

	// Expect PUBREL to be resent (in second phase of QoS 2)
	select {
	case p := <-c.outgoing:
		if _, ok := p.(*packets.PubrelPacket); ok {
			t.Log("Compliance passed: Resent PUBREL")
		} else if _, ok := p.(*packets.PublishPacket); ok {
			t.Errorf("Compliance violation: Resent PUBLISH packet instead of PUBREL after PUBREC received (MQTT-4.3.3-2)")
		} else {
			t.Errorf("Resent unexpected packet type: %T", p)
		}
	default:
		t.Errorf("No packet resent")
	}
}

// TestCompliance_Resubscribe_Persistence verifies that subscription QoS is
// preserved across reconnections.
func TestCompliance_Resubscribe_Persistence(t *testing.T) {
	c := &Client{
		opts: &clientOptions{
			Logger: defaultOptions("").Logger,
		},
		subscriptions: make(map[string]subscriptionEntry),
		pending:       make(map[uint16]*pendingOp),
		outgoing:      make(chan packets.Packet, 10),
	}

	topic := "sensors/+/data"
	handler := func(c *Client, msg Message) {}
	c.subscriptions[topic] = subscriptionEntry{
		handler: handler,
		qos:     2,
	}

	c.resubscribeAll()

	select {
	case p := <-c.outgoing:
		subPkt, ok := p.(*packets.SubscribePacket)
		if !ok {
			t.Fatalf("Expected SubscribePacket, got %T", p)
		}
		if len(subPkt.QoS) == 0 || subPkt.QoS[0] != 2 {
			t.Errorf("QoS was lost during resubscription: got %v", subPkt.QoS)
		}
		if len(subPkt.Topics) == 0 || subPkt.Topics[0] != topic {
			t.Errorf("Topic was lost during resubscription: got %v", subPkt.Topics)
		}
	default:
		t.Error("No SUBSCRIBE packet sent")
	}
}

// TestCompliance_CleanSession_ClearsReceivedQoS2 verifies that a false
// SessionPresent flag clears stale QoS 2 dedup state.
func TestCompliance_CleanSession_ClearsReceivedQoS2(t *testing.T) {
	c := &Client{
		opts:          &clientOptions{Logger: defaultOptions("").Logger},
		subscriptions: make(map[string]subscriptionEntry),
		pending:       make(map[uint16]*pendingOp),
		outgoing:      make(chan packets.Packet, 10),
		receivedQoS2:  map[uint16]struct{}{5: {}},
		stop:          make(chan struct{}),
	}

	if err := c.checkSessionPresent(false); err != nil {
		t.Fatalf("checkSessionPresent failed: %v", err)
	}

	// internalResetState runs synchronously inside checkSessionPresent; take
	// the session lock before inspecting shared state.
	c.sessionLock.Lock()
	_, exists := c.receivedQoS2[5]
	c.sessionLock.Unlock()
	if exists {
		t.Error("receivedQoS2 should be cleared when session is not present")
	}
}
