// Package db keeps the relay's session history in SQLite: sessions,
// connectivity results and dropped peer instructions.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Migration is one step of a schema. Versions start at 1 and are applied
// in order; the last applied version is kept in PRAGMA user_version.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Store is a single-writer SQLite handle with a versioned schema.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the SQLite file at dbPath and applies every
// migration newer than the file's schema version. A file written by a
// newer build is refused.
func Open(dbPath string, migrations []Migration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every connection the pool opens.
	dsn := "file:" + dbPath + "?" + url.Values{
		"_pragma": {"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(NORMAL)"},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &Store{db: db}
	version, err := s.migrate(migrations)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Int("schema_version", version).Msg("database opened")
	return s, nil
}

// SchemaVersion returns the last applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) migrate(migrations []Migration) (int, error) {
	current, err := s.SchemaVersion()
	if err != nil {
		return 0, err
	}
	latest := 0
	for i, m := range migrations {
		if m.Version != i+1 {
			return 0, fmt.Errorf("migration %q has version %d, want %d", m.Name, m.Version, i+1)
		}
		latest = m.Version
	}
	if current > latest {
		return 0, fmt.Errorf("database schema version %d is newer than supported %d", current, latest)
	}

	for _, m := range migrations[current:] {
		err := s.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.SQL); err != nil {
				return err
			}
			// PRAGMA does not take bound parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version))
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("database migration applied")
	}
	return latest, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exec executes a statement that returns no rows.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

// Transaction runs fn in a transaction, rolling back when fn fails.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Checkpoint folds the write-ahead log back into the database file and
// truncates it. Large deletes otherwise leave the log at its peak size.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return nil
}
