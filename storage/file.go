package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eddielth/ha-agent/logger"
)

// FileStorage archives snapshots as timestamped JSON files
type FileStorage struct {
	basePath string
}

// NewFileStorage creates the base directory and returns the backend
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Store writes the snapshot to <base>/<source>/<timestamp>.json
func (fs *FileStorage) Store(snapshot Snapshot) error {
	sourceDir := filepath.Join(fs.basePath, snapshot.Source)
	if err := os.MkdirAll(sourceDir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", sourceDir, err)
	}

	ts := time.UnixMilli(snapshot.Timestamp).Format("20060102-150405.000")
	filename := filepath.Join(sourceDir, fmt.Sprintf("%s.json", ts))

	jsonData, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize snapshot failed: %w", err)
	}

	if err := os.WriteFile(filename, jsonData, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	logger.Debug("stored snapshot to file: %s", filename)
	return nil
}

// Close implements StorageBackend
func (fs *FileStorage) Close() error {
	return nil
}
