// Package database persists terminal deliveries across sessions in a
// local SQLite file.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn *sql.DB
}

func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_timestamp REAL NOT NULL,
		status TEXT NOT NULL,
		clip_path TEXT,
		thumbnail_path TEXT,
		overlay_url TEXT,
		report TEXT,
		speed TEXT,
		tips TEXT,
		effort TEXT,
		release_timestamp REAL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_session ON deliveries(session_id);
	`

	_, err := db.conn.Exec(query)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
