package auth

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists credential strings across restarts, keyed by platform.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the credential database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create credential db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		platform TEXT PRIMARY KEY,
		credentials TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init credential schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load returns all stored credentials keyed by platform.
func (s *Store) Load() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT platform, credentials FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var platform, credentials string
		if err := rows.Scan(&platform, &credentials); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out[platform] = credentials
	}
	return out, rows.Err()
}

// Save upserts one platform's credential string.
func (s *Store) Save(platform, credentials string) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (platform, credentials, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			credentials = excluded.credentials,
			updated_at = excluded.updated_at`,
		platform, credentials, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save credentials for %q: %w", platform, err)
	}
	return nil
}

// Delete removes one platform's stored credentials.
func (s *Store) Delete(platform string) error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE platform = ?`, platform); err != nil {
		return fmt.Errorf("delete credentials for %q: %w", platform, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
