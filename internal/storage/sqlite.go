package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding drawn overlays and the watch history.
// It implements overlay.Surface.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) minewatch.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "minewatch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection also keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func configure(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	pragmas := []struct{ stmt, what string }{
		{"PRAGMA busy_timeout = 5000", "setting busy timeout"},
		{"PRAGMA journal_mode=WAL", "setting journal mode"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			return fmt.Errorf("%s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
