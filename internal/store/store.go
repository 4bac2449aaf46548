package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// #region open
// Open opens a SQLite database with WAL and foreign keys enabled.
// Pass ":memory:" for an in-process throwaway database (tests).
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	return db, nil
}

// #endregion open

// #region migrate
// Migrate applies each schema fragment in order. Fragments must be
// idempotent (CREATE TABLE IF NOT EXISTS and friends).
func Migrate(db *sql.DB, schemas ...string) error {
	for _, s := range schemas {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// #endregion migrate

// #region execer
// Execer is satisfied by both *sql.DB and *sql.Tx, so append-only writers
// can participate in a caller's transaction.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// #endregion execer
