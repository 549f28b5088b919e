package mqttcore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Compile-time check that FileStore implements SessionStore.
var _ SessionStore = (*FileStore)(nil)

// FileStore implements SessionStore on top of plain JSON files, as a
// zero-dependency alternative to BoltStore. Every client ID gets its own
// subdirectory:
//
//	baseDir/
//	  clientID/
//	    pending_<packetID>.json
//	    subscriptions.json
//	    qos2_received.json
//
// Writes go through a temp-file-then-rename so a process crash mid-write
// can never leave a half-written JSON file behind for the next start to
// choke on; readers only ever see the previous complete version or the new
// one. A mutex serializes access so a FileStore can be shared across
// goroutines beyond the single client that owns it (e.g. an operator tool
// inspecting session state while the client is running).
type FileStore struct {
	mu       sync.Mutex
	dir      string
	clientID string
	config   *fileStoreConfig
}

type fileStoreConfig struct {
	permissions os.FileMode
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*fileStoreConfig)

// WithPermissions overrides the file mode used for files written by the
// store. Default is 0644.
//
// Example:
//
//	store, _ := mqttcore.NewFileStore("/var/lib/mqtt", "sensor-1",
//	    mqttcore.WithPermissions(0600))
func WithPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.permissions = perm
	}
}

// NewFileStore opens (creating if necessary) a directory tree at baseDir
// and returns a SessionStore rooted at baseDir/clientID.
//
// Example:
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
func NewFileStore(baseDir, clientID string, opts ...FileStoreOption) (*FileStore, error) {
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if strings.Contains(clientID, "..") || strings.Contains(clientID, string(filepath.Separator)) {
		return nil, fmt.Errorf("clientID contains invalid characters")
	}

	cfg := &fileStoreConfig{permissions: 0644}
	for _, opt := range opts {
		opt(cfg)
	}

	dir := filepath.Join(baseDir, clientID)
	if err := os.MkdirAll(dir, cfg.permissions|0111); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{dir: dir, clientID: clientID, config: cfg}, nil
}

// ClientID returns the client ID this store is bound to.
func (f *FileStore) ClientID() string {
	return f.clientID
}

// writeJSONAtomic marshals v and installs it at path without ever leaving a
// truncated file visible: it writes to a sibling temp file first, then
// renames it into place, which POSIX guarantees is atomic within a
// filesystem.
func (f *FileStore) writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", filepath.Base(path), err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, f.config.permissions); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions on %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (f *FileStore) pendingPath(packetID uint16) string {
	return filepath.Join(f.dir, fmt.Sprintf("pending_%d.json", packetID))
}

// SavePendingPublish stores an outgoing publish that hasn't been acknowledged.
func (f *FileStore) SavePendingPublish(packetID uint16, pub *PersistedPublish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeJSONAtomic(f.pendingPath(packetID), pub)
}

// DeletePendingPublish removes a publish after it's been acknowledged.
func (f *FileStore) DeletePendingPublish(packetID uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.pendingPath(packetID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete pending publish: %w", err)
	}
	return nil
}

// LoadPendingPublishes retrieves all pending publishes on reconnect.
func (f *FileStore) LoadPendingPublishes() (map[uint16]*PersistedPublish, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make(map[uint16]*PersistedPublish)

	files, err := filepath.Glob(filepath.Join(f.dir, "pending_*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending publishes: %w", err)
	}

	for _, file := range files {
		var packetID uint16
		if _, err := fmt.Sscanf(filepath.Base(file), "pending_%d.json", &packetID); err != nil {
			continue
		}

		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}

		var pub PersistedPublish
		if err := json.Unmarshal(data, &pub); err != nil {
			continue
		}

		result[packetID] = &pub
	}

	return result, nil
}

// ClearPendingPublishes removes all pending publishes.
func (f *FileStore) ClearPendingPublishes() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(f.dir, "pending_*.json"))
	if err != nil {
		return fmt.Errorf("failed to list pending publishes: %w", err)
	}
	for _, file := range files {
		os.Remove(file)
	}
	return nil
}

func (f *FileStore) subscriptionsPath() string {
	return filepath.Join(f.dir, "subscriptions.json")
}

func (f *FileStore) loadSubscriptionsLocked() (map[string]*SubscriptionInfo, error) {
	data, err := os.ReadFile(f.subscriptionsPath())
	if os.IsNotExist(err) {
		return make(map[string]*SubscriptionInfo), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}

	var subs map[string]*SubscriptionInfo
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscriptions: %w", err)
	}
	return subs, nil
}

// SaveSubscription stores an active subscription.
func (f *FileStore) SaveSubscription(topic string, sub *SubscriptionInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, err := f.loadSubscriptionsLocked()
	if err != nil {
		subs = make(map[string]*SubscriptionInfo)
	}
	subs[topic] = sub

	return f.writeJSONAtomic(f.subscriptionsPath(), subs)
}

// DeleteSubscription removes a subscription.
func (f *FileStore) DeleteSubscription(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, err := f.loadSubscriptionsLocked()
	if err != nil {
		return nil
	}
	delete(subs, topic)

	if len(subs) == 0 {
		os.Remove(f.subscriptionsPath())
		return nil
	}
	return f.writeJSONAtomic(f.subscriptionsPath(), subs)
}

// LoadSubscriptions retrieves all subscriptions on reconnect.
func (f *FileStore) LoadSubscriptions() (map[string]*SubscriptionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadSubscriptionsLocked()
}

func (f *FileStore) qos2Path() string {
	return filepath.Join(f.dir, "qos2_received.json")
}

func (f *FileStore) loadReceivedQoS2Locked() (map[uint16]struct{}, error) {
	data, err := os.ReadFile(f.qos2Path())
	if os.IsNotExist(err) {
		return make(map[uint16]struct{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read QoS2 IDs: %w", err)
	}

	var ids []uint16
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal QoS2 IDs: %w", err)
	}

	result := make(map[uint16]struct{}, len(ids))
	for _, id := range ids {
		result[id] = struct{}{}
	}
	return result, nil
}

func (f *FileStore) writeReceivedQoS2Locked(qos2 map[uint16]struct{}) error {
	ids := make([]uint16, 0, len(qos2))
	for id := range qos2 {
		ids = append(ids, id)
	}
	return f.writeJSONAtomic(f.qos2Path(), ids)
}

// SaveReceivedQoS2 marks a QoS 2 packet ID as received.
func (f *FileStore) SaveReceivedQoS2(packetID uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	qos2, err := f.loadReceivedQoS2Locked()
	if err != nil {
		qos2 = make(map[uint16]struct{})
	}
	qos2[packetID] = struct{}{}
	return f.writeReceivedQoS2Locked(qos2)
}

// DeleteReceivedQoS2 removes a QoS 2 packet ID after PUBCOMP sent.
func (f *FileStore) DeleteReceivedQoS2(packetID uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	qos2, err := f.loadReceivedQoS2Locked()
	if err != nil {
		return nil
	}
	delete(qos2, packetID)

	if len(qos2) == 0 {
		os.Remove(f.qos2Path())
		return nil
	}
	return f.writeReceivedQoS2Locked(qos2)
}

// LoadReceivedQoS2 retrieves all received QoS 2 packet IDs.
func (f *FileStore) LoadReceivedQoS2() (map[uint16]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadReceivedQoS2Locked()
}

// ClearReceivedQoS2 removes all received QoS 2 packet IDs.
func (f *FileStore) ClearReceivedQoS2() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.qos2Path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Clear removes all session state for this client ID.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("failed to read store directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "pending_") || name == "subscriptions.json" || name == "qos2_received.json" {
			os.Remove(filepath.Join(f.dir, name))
		}
	}
	return nil
}
