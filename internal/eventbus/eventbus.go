// Package eventbus is a small pub-sub fan-out for client lifecycle events
// (connection status changes, ping responses, generic connection events),
// keyed by client_id. It generalizes the ad hoc OnConnect/OnConnectionLost
// callback pair into a proper publish boundary that multiple subscribers
// (e.g. a registry reaper, metrics, a CLI status line) can share.
package eventbus

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventType identifies what kind of event was published.
type EventType string

const (
	// Status fires when a client's connection state changes; Data is
	// "connected", "disconnected" or "refused".
	Status EventType = "status"
	// PingResponse fires when a PINGRESP is received for a client_id.
	PingResponse EventType = "ping_response"
	// Connection fires on connection establishment or loss, carrying the
	// error (nil on establishment).
	Connection EventType = "connection"
)

// Event is a single published notification.
type Event struct {
	ClientID string
	Type     EventType
	Data     any
}

// wildcard is the client_id used to subscribe to an event type across all
// client IDs.
const wildcard = ""

type subscriber struct {
	id int
	ch chan Event
}

// EventBus fans out events to subscribers, keyed by (client_id, type), with
// wildcard subscriptions (empty client_id) that receive every client's
// events of that type.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subsBy map[string]map[EventType][]subscriber // client_id -> type -> subs
}

// New returns an empty event bus.
func New() *EventBus {
	return &EventBus{
		subsBy: make(map[string]map[EventType][]subscriber),
	}
}

// Subscribe returns a channel that receives events of typ for clientID. Pass
// an empty clientID to subscribe across all client IDs. The returned cancel
// func unregisters the subscription and the caller should call it once it
// stops reading from the channel.
func (b *EventBus) Subscribe(clientID string, typ EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, 16)

	byType, ok := b.subsBy[clientID]
	if !ok {
		byType = make(map[EventType][]subscriber)
		b.subsBy[clientID] = byType
	}
	byType[typ] = append(byType[typ], subscriber{id: id, ch: ch})

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subsBy[clientID][typ]
		for i, s := range subs {
			if s.id == id {
				b.subsBy[clientID][typ] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return ch, cancel
}

// Publish delivers ev to every subscriber of (ev.ClientID, ev.Type) and to
// every wildcard subscriber of ev.Type. Delivery is non-blocking: a
// subscriber whose channel is full drops the event rather than stalling the
// publisher.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(ev.ClientID, ev)
	if ev.ClientID != wildcard {
		b.deliver(wildcard, ev)
	}
}

func (b *EventBus) deliver(key string, ev Event) {
	for _, s := range b.subsBy[key][ev.Type] {
		select {
		case s.ch <- ev:
		default:
			log.WithFields(log.Fields{
				"client_id": ev.ClientID,
				"type":      ev.Type,
			}).Warn("eventbus: subscriber channel full, dropping event")
		}
	}
}
