package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	jww "github.com/spf13/jwalterweatherman"
)

// SQLiteMirror is a Mirror persisted in a single SQLite table so the cache
// survives restarts.
type SQLiteMirror struct {
	db *sql.DB
}

func NewSQLiteMirror(dataSourceName string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// Every connection to ":memory:" gets its own database.
	db.SetMaxOpenConns(1)

	mirror := &SQLiteMirror{db: db}
	if err = mirror.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	jww.DEBUG.Printf("[SQLiteMirror] opened %s", dataSourceName)
	return mirror, nil
}

func (s *SQLiteMirror) Close() error {
	return s.db.Close()
}

func (s *SQLiteMirror) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS mirror (
        key TEXT PRIMARY KEY,
        value BLOB NOT NULL,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteMirror) GetItem(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM mirror WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to query mirror key %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteMirror) SetItem(key string, value []byte) error {
	stmt, err := s.db.Prepare(`INSERT INTO mirror (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare mirror upsert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(key, value); err != nil {
		return fmt.Errorf("failed to execute mirror upsert for %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteMirror) RemoveItem(key string) error {
	if _, err := s.db.Exec("DELETE FROM mirror WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete mirror key %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteMirror) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM mirror")
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan mirror key row: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ClearPrefix removes every key starting with prefix. An empty prefix clears
// the whole mirror.
func (s *SQLiteMirror) ClearPrefix(prefix string) error {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	res, err := s.db.Exec(`DELETE FROM mirror WHERE key LIKE ? ESCAPE '\'`, escaped+"%")
	if err != nil {
		return fmt.Errorf("failed to clear mirror prefix %q: %w", prefix, err)
	}
	affected, _ := res.RowsAffected()
	jww.DEBUG.Printf("[SQLiteMirror] cleared %d keys with prefix %q", affected, prefix)
	return nil
}
