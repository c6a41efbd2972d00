// Package history records the update history and the analytics events
// of the application in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	_ "github.com/mattn/go-sqlite3"

	"github.com/darkhz/bluedfu/api/errorkinds"
)

// DefaultDBFileName is the name of the database file within the data directory.
const DefaultDBFileName = "history.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS sessions (
  session_id      TEXT PRIMARY KEY,
  device_address  TEXT NOT NULL,
  device_name     TEXT NOT NULL DEFAULT '',
  firmware_name   TEXT NOT NULL,
  firmware_handle TEXT NOT NULL,
  firmware_size   INTEGER NOT NULL,
  options         TEXT NOT NULL DEFAULT '{}',
  started_at      INTEGER NOT NULL,
  finished_at     INTEGER,
  result          TEXT CHECK(result IN ('completed','aborted','failed')),
  result_code     TEXT NOT NULL DEFAULT '',
  result_message  TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE TABLE IF NOT EXISTS events (
  event_id   TEXT PRIMARY KEY,
  session_id TEXT REFERENCES sessions(session_id) ON DELETE CASCADE,
  event_type TEXT NOT NULL,
  details    TEXT NOT NULL DEFAULT '{}',
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_events_time
ON events (timestamp DESC, event_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_sessions_time
ON sessions (started_at DESC, session_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the history database under the given data directory.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", historyError(err, "history-mkdir", "Cannot create the history directory")
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens the history database at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, historyError(err, "history-open", "Cannot open the history database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, historyError(err, "history-ping", "Cannot open the history database")
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})

	return closeErr
}

// Clear removes all sessions and events.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return historyError(err, "history-clear", "Cannot clear the history")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"events", "sessions"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return historyError(err, "history-clear", "Cannot clear the history")
		}
	}

	if err := tx.Commit(); err != nil {
		return historyError(err, "history-clear", "Cannot clear the history")
	}

	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return historyError(err, "history-migrate", "Cannot read the history schema version")
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return historyError(err, "history-migrate", "Cannot migrate the history database")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return historyError(fmt.Errorf("apply migration %d: %w", i+1, err), "history-migrate", "Cannot migrate the history database")
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return historyError(fmt.Errorf("set schema version %d: %w", i+1, err), "history-migrate", "Cannot migrate the history database")
		}
	}

	if err := tx.Commit(); err != nil {
		return historyError(err, "history-migrate", "Cannot migrate the history database")
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return historyError(err, "history-wal", "Cannot open the history database")
	}
	if !strings.EqualFold(journalMode, "wal") {
		return historyError(fmt.Errorf("unexpected journal mode %q", journalMode), "history-wal", "Cannot open the history database")
	}

	return nil
}

func historyError(err error, at, msg string) error {
	return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrHistory, err),
		fctx.With(context.Background(), "error_at", at),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}
