package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrRecordNotFound is returned by Load when no record exists for the key
var ErrRecordNotFound = errors.New("storage: record not found")

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// RecordStore is a small persisted key-value store for device records
type RecordStore interface {
	// Load decodes the record for key into v
	Load(key string, v interface{}) error
	// Save replaces the record for key with v
	Save(key string, v interface{}) error
}

// FileRecordStore keeps one JSON file per key in a directory
type FileRecordStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileRecordStore creates the directory and returns the store
func NewFileRecordStore(dir string) (*FileRecordStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create record dir %s failed: %w", dir, err)
	}
	return &FileRecordStore{dir: dir}, nil
}

func (s *FileRecordStore) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("storage: invalid record key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Load implements RecordStore
func (s *FileRecordStore) Load(key string, v interface{}) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("read record %s failed: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse record %s failed: %w", key, err)
	}
	return nil
}

// Save implements RecordStore. The file is replaced atomically.
func (s *FileRecordStore) Save(key string, v interface{}) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize record %s failed: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record failed: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record %s failed: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync record %s failed: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record %s failed: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace record %s failed: %w", key, err)
	}
	return nil
}

// MemoryRecordStore is an in-memory RecordStore, round-tripping through JSON
// so callers observe the same decoding behavior as the file store.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string][]byte
	Saves   int
}

// NewMemoryRecordStore returns an empty in-memory store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string][]byte)}
}

// Load implements RecordStore
func (m *MemoryRecordStore) Load(key string, v interface{}) error {
	m.mu.Lock()
	data, ok := m.records[key]
	m.mu.Unlock()
	if !ok {
		return ErrRecordNotFound
	}
	return json.Unmarshal(data, v)
}

// Save implements RecordStore
func (m *MemoryRecordStore) Save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = data
	m.Saves++
	return nil
}

// Raw stores pre-encoded bytes for key
func (m *MemoryRecordStore) Raw(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = data
}
