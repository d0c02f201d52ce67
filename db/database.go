package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations on a closed Database.
var ErrClosed = errors.New("db: database is closed")

// Database owns the history connection. Open applies pending migrations
// before handing the connection out.
//
//	database, err := db.Open(cfg.DatabasePath)
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
type Database struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open creates parent directories, migrates the schema and connects.
func Open(path string) (*Database, error) {
	return OpenWithConfig(DefaultConnectionConfig(path))
}

// OpenWithConfig is Open with custom connection settings.
func OpenWithConfig(config ConnectionConfig) (*Database, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(config.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	if err := MigrateUp(config.Path); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	conn, err := NewSQLiteConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	return &Database{db: conn, path: config.Path}, nil
}

// conn returns the live connection or ErrClosed.
func (d *Database) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Ping verifies the connection is alive. The health endpoint uses it.
func (d *Database) Ping() error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	return conn.Ping()
}

// Close closes the connection. Calling it twice is a no-op.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
