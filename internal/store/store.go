// Package store is the durable local persistence layer of the agent: the
// sync queue, the device identity singleton, the roster cache and the
// telemetry journal, all in one SQLite file under the data directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	payload     BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	sync_state  TEXT NOT NULL DEFAULT 'pending',
	last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_state_created
	ON sync_queue (sync_state, created_at);

CREATE TABLE IF NOT EXISTS device_identity (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS roster_members (
	subject_id   TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS roster_meta (
	scope      TEXT PRIMARY KEY,
	fetched_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry_journal (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        INTEGER NOT NULL,
	level     TEXT NOT NULL,
	component TEXT NOT NULL,
	message   TEXT NOT NULL,
	metadata  TEXT NOT NULL DEFAULT ''
);
`

// Store wraps the agent's single SQLite database. All operations complete
// against local storage only; nothing in here touches the network.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// WAL mode plus a busy timeout keeps single-writer access from ever
// blocking indefinitely.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	// Single-writer discipline: the UI thread appends, the worker mutates
	// states, and SQLite serializes them through one connection.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("local store ping failed: %w", err)
	}

	if _, err := db.ExecContext(pingCtx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply local store schema: %w", err)
	}

	logger.Info("Local store ready", "path", path)

	return &Store{db: db, logger: logger}, nil
}

// Close shuts down the underlying database handle.
func (s *Store) Close() error {
	s.logger.Info("Closing local store")
	return s.db.Close()
}
