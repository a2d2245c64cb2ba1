package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as integer unix milliseconds so that range queries
// and ordering never depend on a text time format.
const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  handler_name TEXT NOT NULL,
  payload BLOB NOT NULL,
  next_run_at INTEGER NOT NULL,
  interval_ms INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')) DEFAULT 'pending',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run_at);
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);
CREATE TABLE IF NOT EXISTS session_messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL CHECK(role IN ('input','output','action')),
  name TEXT NOT NULL,
  data BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  FOREIGN KEY(session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, seq);
`

// Store is the shared persistence handle for tasks and sessions. A single
// instance is constructed at startup and injected into everything that needs
// it; only the owning process's shutdown path may close it.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// Open constructs a store and connects it.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect opens the database and ensures the schema. Calling Connect on an
// already-connected store is a no-op, not a reconnect.
func (s *Store) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("ensure schema: %w", err)
	}
	s.db = db
	return nil
}

// Close releases the connection. Safe to call on an already-closed store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}
