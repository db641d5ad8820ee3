package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 0 - initial schema
// 1 - index on attempts(intent_id, seq)
const currentSchemaVersion = 1

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("journal: not found")

// Journal is the durable write journal.
type Journal struct {
	db    *sql.DB
	clock *Clock
}

// Open creates or opens the journal at path. Use ":memory:" in tests only
// when a single connection suffices; the pool is pinned to one.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: connect: %w", err)
	}

	// SQLite has one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// Resume the clock after the highest stamped row.
	var maxSeq int64
	err = db.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT seq FROM intents
			UNION ALL SELECT seq FROM attempts
			UNION ALL SELECT seq FROM submissions
			UNION ALL SELECT seq FROM confirmations
		)`).Scan(&maxSeq)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: read clock: %w", err)
	}

	return &Journal{db: db, clock: NewClockAt(maxSeq)}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Clock returns the journal's logical clock.
func (j *Journal) Clock() *Clock { return j.clock }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_intent ON attempts(intent_id, seq)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// pragma reads a pragma value. Tests only.
func (j *Journal) pragma(name string) (string, error) {
	var value string
	if err := j.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	return value, nil
}
