package storage

import (
	"fmt"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
	// SQLite
	SQLite DatabaseType = "sqlite"
)

// DatabaseStorage
type DatabaseStorage interface {
	StorageBackend
	// InitDatabase creates the snapshot tables
	InitDatabase() error
}

// NewDatabaseStorage
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	case SQLite:
		return NewSQLiteStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
