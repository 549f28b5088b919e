package mqttcore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.etcd.io/bbolt"
)

// Compile-time check that BoltStore implements SessionStore
var _ SessionStore = (*BoltStore)(nil)

const boltStoreBucket = "mqttcore"

// BoltStore implements SessionStore using a single bbolt database file.
// Unlike FileStore, all state lives in one bucket, keyed by client ID and
// prefix:
//
//	<clientID>/pending/<packetID>  -> PersistedPublish
//	<clientID>/sub/<topic>         -> SubscriptionInfo
//	<clientID>/qos2/<packetID>     -> presence marker
//
// One BoltStore instance is bound to a single client ID. Because every key
// carries the client ID, stores for different client IDs can share the same
// bucket, and Clear removes only its own client ID's keys.
type BoltStore struct {
	db       *bbolt.DB
	clientID string
}

// NewBoltStore opens (creating if necessary) a bbolt database at path and
// returns a SessionStore bound to clientID.
//
// Example:
//
//	store, err := mqttcore.NewBoltStore("/var/lib/mqtt/sessions.db", "sensor-1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	client, err := mqttcore.Dial("tcp://localhost:1883",
//	    mqttcore.WithClientID("sensor-1"),
//	    mqttcore.WithCleanSession(false),
//	    mqttcore.WithSessionStore(store))
func NewBoltStore(path, clientID string) (*BoltStore, error) {
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltStoreBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, clientID: clientID}, nil
}

// Close closes the underlying database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// ClientID returns the client ID this store is bound to.
func (b *BoltStore) ClientID() string {
	return b.clientID
}

func (b *BoltStore) pendingKey(packetID uint16) []byte {
	return []byte(fmt.Sprintf("%s/pending/%d", b.clientID, packetID))
}

func (b *BoltStore) subKey(topic string) []byte {
	return []byte(fmt.Sprintf("%s/sub/%s", b.clientID, topic))
}

func (b *BoltStore) qos2Key(packetID uint16) []byte {
	return []byte(fmt.Sprintf("%s/qos2/%d", b.clientID, packetID))
}

func (b *BoltStore) prefix(suffix string) string {
	return fmt.Sprintf("%s/%s/", b.clientID, suffix)
}

func (b *BoltStore) setKv(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltStoreBucket)).Put(key, data)
	})
}

func (b *BoltStore) delKv(key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltStoreBucket)).Delete(key)
	})
}

func (b *BoltStore) iterKv(prefix string, visit func(key, value []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(boltStoreBucket)).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			if err := visit(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) clearPrefix(prefix string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltStoreBucket))
		c := bucket.Cursor()
		p := []byte(prefix)
		var keys [][]byte
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// SavePendingPublish stores an outgoing publish that hasn't been acknowledged.
func (b *BoltStore) SavePendingPublish(packetID uint16, pub *PersistedPublish) error {
	return b.setKv(b.pendingKey(packetID), pub)
}

// DeletePendingPublish removes a publish after it's been acknowledged.
func (b *BoltStore) DeletePendingPublish(packetID uint16) error {
	return b.delKv(b.pendingKey(packetID))
}

// LoadPendingPublishes retrieves all pending publishes on reconnect.
func (b *BoltStore) LoadPendingPublishes() (map[uint16]*PersistedPublish, error) {
	result := make(map[uint16]*PersistedPublish)

	prefix := b.prefix("pending")
	err := b.iterKv(prefix, func(key, value []byte) error {
		packetID, err := strconv.ParseUint(strings.TrimPrefix(string(key), prefix), 10, 16)
		if err != nil {
			return fmt.Errorf("failed to parse pending publish key %q: %w", key, err)
		}
		var pub PersistedPublish
		if err := json.Unmarshal(value, &pub); err != nil {
			return fmt.Errorf("failed to unmarshal pending publish: %w", err)
		}
		result[uint16(packetID)] = &pub
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ClearPendingPublishes removes all pending publishes.
func (b *BoltStore) ClearPendingPublishes() error {
	return b.clearPrefix(b.prefix("pending"))
}

// SaveSubscription stores an active subscription.
func (b *BoltStore) SaveSubscription(topic string, sub *SubscriptionInfo) error {
	return b.setKv(b.subKey(topic), sub)
}

// DeleteSubscription removes a subscription.
func (b *BoltStore) DeleteSubscription(topic string) error {
	return b.delKv(b.subKey(topic))
}

// LoadSubscriptions retrieves all subscriptions on reconnect.
func (b *BoltStore) LoadSubscriptions() (map[string]*SubscriptionInfo, error) {
	result := make(map[string]*SubscriptionInfo)
	prefix := b.prefix("sub")

	err := b.iterKv(prefix, func(key, value []byte) error {
		topic := string(key[len(prefix):])
		var sub SubscriptionInfo
		if err := json.Unmarshal(value, &sub); err != nil {
			return fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		result[topic] = &sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveReceivedQoS2 marks a QoS 2 packet ID as received.
func (b *BoltStore) SaveReceivedQoS2(packetID uint16) error {
	return b.setKv(b.qos2Key(packetID), true)
}

// DeleteReceivedQoS2 removes a QoS 2 packet ID after PUBCOMP sent.
func (b *BoltStore) DeleteReceivedQoS2(packetID uint16) error {
	return b.delKv(b.qos2Key(packetID))
}

// LoadReceivedQoS2 retrieves all received QoS 2 packet IDs.
func (b *BoltStore) LoadReceivedQoS2() (map[uint16]struct{}, error) {
	result := make(map[uint16]struct{})

	prefix := b.prefix("qos2")
	err := b.iterKv(prefix, func(key, _ []byte) error {
		packetID, err := strconv.ParseUint(strings.TrimPrefix(string(key), prefix), 10, 16)
		if err != nil {
			return fmt.Errorf("failed to parse qos2 key %q: %w", key, err)
		}
		result[uint16(packetID)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ClearReceivedQoS2 removes all received QoS 2 packet IDs.
func (b *BoltStore) ClearReceivedQoS2() error {
	return b.clearPrefix(b.prefix("qos2"))
}

// Clear removes all session state for this client ID.
func (b *BoltStore) Clear() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltStoreBucket))
		c := bucket.Cursor()
		p := []byte(b.clientID + "/")
		var keys [][]byte
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
