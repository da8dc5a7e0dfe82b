package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS catalog (
		name TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		group_name TEXT NOT NULL,
		checksum TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		destination TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'downloading',
		message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads (status, updated_at)`,
}

// InitDB opens the SQLite database at path and creates the catalog and downloads tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer, serialize access instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}
