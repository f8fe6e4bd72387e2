// Package store implements the durable task document store on SQLite. It
// is the system of record across process restarts: task and batch
// documents, final statuses, and result payloads live here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Store wraps the SQLite database holding task and batch documents.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// dsn constructs the connection string with the recommended PRAGMA
// settings for a mixed read/write workload.
func dsn(file string) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_foreign_keys", "true")
	params.Add("_txlock", "immediate")
	return "file:" + file + "?" + params.Encode()
}

// Open opens (creating if necessary) the task database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}

	// SQLite serializes writers; a small pool keeps readers concurrent
	// without piling up lock contention.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, clock: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	batch_id          TEXT,
	status            TEXT NOT NULL,
	progress          INTEGER NOT NULL DEFAULT 0,
	current_step      TEXT NOT NULL DEFAULT '',
	message           TEXT NOT NULL DEFAULT '',
	params            TEXT NOT NULL DEFAULT '{}',
	result            TEXT,
	error             TEXT,
	worker_id         TEXT,
	estimated_seconds REAL NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	ended_at          TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_user   ON tasks(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_batch  ON tasks(batch_id);

CREATE TABLE IF NOT EXISTS batches (
	batch_id   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	total      INTEGER NOT NULL,
	completed  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	cancelled  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC 3339 text so the schema stays independent
// of driver-specific time handling.

// timeLayout is RFC3339 with fixed-width nanoseconds. RFC3339Nano strips
// trailing zeros, which breaks the lexicographic ordering the cutoff
// comparisons in ReclaimZombies and DeleteOlderThan rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
