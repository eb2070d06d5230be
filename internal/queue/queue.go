// Package queue is the durable outbound message buffer. It is a bounded
// FIFO over SQLite: undelivered messages survive power cycles, and the
// oldest pending messages are evicted when the bound is exceeded.
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// State is the delivery state of a queued message.
type State string

const (
	StatePending   State = "PENDING"
	StateInFlight  State = "IN_FLIGHT"
	StateAcked     State = "ACKED"     // terminal; row is removed
	StateFailed    State = "FAILED"    // retryable after backoff
	StateAbandoned State = "ABANDONED" // terminal; row is removed
)

// Queue is a bounded durable FIFO of outbound messages. Only the
// transmission pipeline mutates it.
type Queue struct {
	db       *sql.DB
	capacity int
}

// Open initializes the queue database at baseDir/outbound.db and recovers
// any rows left IN_FLIGHT by a crash or power loss back to PENDING.
func Open(baseDir string, capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	dbPath := filepath.Join(baseDir, "outbound.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{db: db, capacity: capacity}
	if err := q.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := getUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: initial schema
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS outbound (
		  id              TEXT PRIMARY KEY,
		  topic           TEXT NOT NULL,
		  kind            TEXT NOT NULL,
		  payload         BLOB NOT NULL,
		  state           TEXT NOT NULL DEFAULT 'PENDING',
		  retries         INTEGER NOT NULL DEFAULT 0,
		  enqueued_at     INTEGER NOT NULL,
		  next_attempt_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_outbound_fifo
		ON outbound(enqueued_at, id);

		CREATE INDEX IF NOT EXISTS idx_outbound_eligible
		ON outbound(state, next_attempt_at);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// getUserVersion reads the schema version from the database.
func getUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

// setUserVersion writes the schema version to the database.
func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// recover resets rows left IN_FLIGHT by an interrupted flush to PENDING so
// they are retried after restart.
func (q *Queue) recover() error {
	_, err := q.db.Exec(
		`UPDATE outbound SET state = ? WHERE state = ?`,
		StatePending, StateInFlight,
	)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight rows: %w", err)
	}
	return nil
}
