package store

import (
	"database/sql"
	"fmt"

	"github.com/maxohm/privchat/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the session's privchat.db. Every
// mutating call publishes a store.* event so live streams re-emit.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
// The bus may be nil (tests that don't observe streams).
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// notify publishes a store change event carrying the affected peer id.
func (db *DB) notify(kind, peerID string) {
	if db.bus != nil {
		db.bus.Publish(bus.NewEvent(kind, peerID))
	}
}
