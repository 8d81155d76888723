package credentials

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDurable persists credentials in a local SQLite database
type SQLiteDurable struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the credentials database at path
func OpenSQLite(path string) (*SQLiteDurable, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createCredentialsTable := `
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME
	);`

	if _, err := db.Exec(createCredentialsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	return &SQLiteDurable{db: db}, nil
}

// Get returns the stored value for key, or "" if none
func (d *SQLiteDurable) Get(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM credentials WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return value, nil
}

// Put stores value under key, replacing any previous value
func (d *SQLiteDurable) Put(key, value string) error {
	_, err := d.db.Exec(
		"INSERT OR REPLACE INTO credentials (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes key; deleting an absent key is not an error
func (d *SQLiteDurable) Delete(key string) error {
	if _, err := d.db.Exec("DELETE FROM credentials WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (d *SQLiteDurable) Close() error {
	return d.db.Close()
}
