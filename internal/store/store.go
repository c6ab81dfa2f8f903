// Package store provides durable message and proposal persistence on SQLite.
//
// One Store owns one database handle. Writes serialize on a store-level
// mutex; reads run concurrently. The underlying handle uses WAL and a busy
// timeout so readers never starve.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/LupusDei/adjutant/internal/bus"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'agent',
    body TEXT NOT NULL,
    thread_id TEXT,
    event_type TEXT,
    priority INTEGER CHECK(priority IS NULL OR (priority >= 0 AND priority <= 4)),
    delivery_status TEXT,
    metadata_json TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    body,
    content='messages',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, body) VALUES (new.rowid, new.body);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.rowid, old.body);
END;

CREATE TABLE IF NOT EXISTS proposals (
    id TEXT PRIMARY KEY,
    author TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Store is the durable message and proposal store.
type Store struct {
	db  *sql.DB
	bus *bus.Bus

	// writeMu enforces single-writer discipline on top of SQLite's own
	// locking so interleaved multi-statement writes stay ordered.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the schema.
// Pass ":memory:" for an in-memory store in tests. The bus may be nil; then
// no events are published.
func Open(path string, b *bus.Bus) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening message db: %w", err)
	}
	if path == ":memory:" {
		// Each connection gets its own in-memory database; a pool of one
		// keeps the schema and the data on the same handle.
		db.SetMaxOpenConns(1)
	} else {
		// WAL: one writer (serialized by writeMu), concurrent readers on
		// their own connections.
		db.SetMaxOpenConns(8)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, bus: b}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset truncates all tables. Test hook; never called in production paths.
func (s *Store) Reset() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, stmt := range []string{
		"DELETE FROM messages",
		"DELETE FROM proposals",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("resetting store: %w", err)
		}
	}
	return nil
}

func (s *Store) publish(name string, payload any) {
	if s.bus != nil {
		s.bus.Publish(name, payload)
	}
}
