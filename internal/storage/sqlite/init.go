package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFile is used when no database path is configured.
const DefaultDBFile = "downloads.db"

// InitDB opens the SQLite database at path and creates the transfers table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultDBFile
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writers are serialized; sqlite allows a single writer at a time.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		source TEXT NOT NULL,
		path TEXT,
		status TEXT NOT NULL,
		verification TEXT,
		attempts INTEGER DEFAULT 0,
		bytes INTEGER DEFAULT 0,
		failure TEXT,
		error TEXT,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create transfers table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers (status)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create transfers index: %w", err)
	}

	return db, nil
}
