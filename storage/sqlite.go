package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eddielth/ha-agent/logger"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorage archives snapshots into a local SQLite file
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens (or creates) the database file and its tables
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create sqlite dir failed: %w", err)
	}

	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database failed: %w", err)
	}

	// one writer keeps sqlite away from "database is locked"
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	storage := &SQLiteStorage{db: db, path: path}
	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite database failed: %w", err)
	}

	logger.Info("SQLite state archive ready: %s", path)
	return storage, nil
}

// InitDatabase creates the snapshot tables
func (ss *SQLiteStorage) InitDatabase() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		source TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snapshot_source ON state_snapshots(source);
	CREATE INDEX IF NOT EXISTS idx_snapshot_timestamp ON state_snapshots(timestamp);

	CREATE TABLE IF NOT EXISTS state_values (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL REFERENCES state_snapshots(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		value TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_value_snapshot ON state_values(snapshot_id);
	`
	if _, err := ss.db.Exec(schema); err != nil {
		return fmt.Errorf("create sqlite tables failed: %w", err)
	}
	return nil
}

// Store writes the snapshot and its values in one transaction
func (ss *SQLiteStorage) Store(snapshot Snapshot) (err error) {
	tx, err := ss.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	payload, err := json.Marshal(snapshot.Values)
	if err != nil {
		return fmt.Errorf("serialize values failed: %w", err)
	}

	result, err := tx.Exec(`INSERT INTO state_snapshots (device_id, source, timestamp, payload) VALUES (?, ?, ?, ?)`,
		snapshot.DeviceID, snapshot.Source, snapshot.Timestamp, string(payload))
	if err != nil {
		return fmt.Errorf("insert snapshot failed: %w", err)
	}

	snapshotID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get insert id failed: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO state_values (snapshot_id, name, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare value insert failed: %w", err)
	}
	defer stmt.Close()

	for _, name := range snapshot.SortedKeys() {
		if _, err = stmt.Exec(snapshotID, name, fmt.Sprintf("%v", snapshot.Values[name])); err != nil {
			return fmt.Errorf("insert state value %s failed: %w", name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Count returns the number of archived snapshots for source
func (ss *SQLiteStorage) Count(source string) (int, error) {
	var n int
	err := ss.db.QueryRow(`SELECT COUNT(*) FROM state_snapshots WHERE source = ?`, source).Scan(&n)
	return n, err
}

// Close closes the database
func (ss *SQLiteStorage) Close() error {
	if ss.db != nil {
		return ss.db.Close()
	}
	return nil
}
