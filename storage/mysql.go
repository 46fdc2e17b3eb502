package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/eddielth/ha-agent/logger"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStorage archives snapshots into MySQL
type MySQLStorage struct {
	db       *sql.DB
	dsn      string
	database string
}

// NewMySQLStorage creates the database if missing, connects and creates the tables
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN failed: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect MySQL server failed: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("create database failed: %w", err)
	}

	logger.Info("ensured MySQL database %s exists", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect MySQL database failed: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL ping failed: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := &MySQLStorage{
		db:       db,
		dsn:      dsn,
		database: database,
	}

	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init MySQL database failed: %w", err)
	}

	logger.Info("MySQL state archive ready")
	return storage, nil
}

// parseMySQLDSN extracts the database name and a DSN without it
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid DSN, cannot extract database name")
	}

	// last part may carry parameters
	dbParts := strings.Split(parts[len(parts)-1], "?")
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, empty database name")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}

	return database, serverDSN, nil
}

// InitDatabase creates the snapshot tables
func (ms *MySQLStorage) InitDatabase() error {
	snapshotTableSQL := `
	CREATE TABLE IF NOT EXISTS state_snapshots (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_id VARCHAR(64) NOT NULL,
		source VARCHAR(64) NOT NULL,
		timestamp BIGINT NOT NULL,
		payload JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_device_id (device_id),
		INDEX idx_source (source),
		INDEX idx_timestamp (timestamp)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	valueTableSQL := `
	CREATE TABLE IF NOT EXISTS state_values (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		snapshot_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL,
		value TEXT NOT NULL,
		FOREIGN KEY (snapshot_id) REFERENCES state_snapshots(id) ON DELETE CASCADE,
		INDEX idx_snapshot_id (snapshot_id),
		INDEX idx_name (name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.Exec(snapshotTableSQL); err != nil {
		return fmt.Errorf("create state_snapshots table failed: %w", err)
	}

	if _, err := ms.db.Exec(valueTableSQL); err != nil {
		return fmt.Errorf("create state_values table failed: %w", err)
	}

	logger.Info("MySQL tables initialized")
	return nil
}

// Store writes the snapshot and its values in one transaction
func (ms *MySQLStorage) Store(snapshot Snapshot) (err error) {
	tx, err := ms.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			logger.Error("MySQL transaction rolled back: %v", err)
		}
	}()

	payload, err := json.Marshal(snapshot.Values)
	if err != nil {
		return fmt.Errorf("serialize values failed: %w", err)
	}

	result, err := tx.Exec(`INSERT INTO state_snapshots (device_id, source, timestamp, payload) VALUES (?, ?, ?, ?)`,
		snapshot.DeviceID, snapshot.Source, snapshot.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("insert snapshot failed: %w", err)
	}

	snapshotID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get insert id failed: %w", err)
	}

	if len(snapshot.Values) > 0 {
		valueStrings := make([]string, 0, len(snapshot.Values))
		valueArgs := make([]interface{}, 0, len(snapshot.Values)*3)

		for _, name := range snapshot.SortedKeys() {
			valueStrings = append(valueStrings, "(?, ?, ?)")
			valueArgs = append(valueArgs, snapshotID, name, fmt.Sprintf("%v", snapshot.Values[name]))
		}

		valueSQL := fmt.Sprintf("INSERT INTO state_values (snapshot_id, name, value) VALUES %s",
			strings.Join(valueStrings, ","))

		if _, err = tx.Exec(valueSQL, valueArgs...); err != nil {
			return fmt.Errorf("insert state values failed: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	logger.Debug("archived %s snapshot to MySQL", snapshot.Source)
	return nil
}

// Close closes the database connection
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("close MySQL connection failed: %w", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
