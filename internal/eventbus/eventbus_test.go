package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversToMatchingSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("device-1", Status)
	defer cancel()

	b.Publish(Event{ClientID: "device-1", Type: Status, Data: "connected"})

	select {
	case ev := <-ch:
		require.Equal(t, "device-1", ev.ClientID)
		require.Equal(t, Status, ev.Type)
		require.Equal(t, "connected", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_IgnoresOtherClientID(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("device-1", Status)
	defer cancel()

	b.Publish(Event{ClientID: "device-2", Type: Status})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_WildcardReceivesAllClientIDs(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("", Connection)
	defer cancel()

	b.Publish(Event{ClientID: "device-1", Type: Connection})
	b.Publish(Event{ClientID: "device-2", Type: Connection})

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard event")
		}
	}
}

func TestEventBus_CancelStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("device-1", PingResponse)
	cancel()

	b.Publish(Event{ClientID: "device-1", Type: PingResponse})

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")
}
