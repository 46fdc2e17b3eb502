package storage

import (
	"sort"
	"sync"

	"github.com/eddielth/ha-agent/logger"
)

// Snapshot is one published state object, archived per source.
// Source is "root" for the device itself or a sub-device id.
type Snapshot struct {
	DeviceID  string                 `json:"device_id"`
	Source    string                 `json:"source"`
	Timestamp int64                  `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
}

// SortedKeys returns the value keys in stable order
func (s Snapshot) SortedKeys() []string {
	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StorageBackend is a state archive backend
type StorageBackend interface {
	// Store archives one snapshot
	Store(snapshot Snapshot) error
	// Close releases the backend
	Close() error
}

// Manager fans snapshots out to multiple backends
type Manager struct {
	backends []StorageBackend
	mutex    sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(backends []StorageBackend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Store writes the snapshot to every backend. Backend failures are logged
// and never stop the remaining backends.
func (m *Manager) Store(snapshot Snapshot) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, backend := range m.backends {
		if err := backend.Store(snapshot); err != nil {
			logger.Error("failed to archive %s snapshot: %v", snapshot.Source, err)
		}
	}

	return nil
}

// Len returns the number of configured backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// Close closes all backends
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close storage backend: %v", err)
		}
	}
}

// AddBackend adds a new backend
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
