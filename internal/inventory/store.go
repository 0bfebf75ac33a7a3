// Package inventory provides the durable device store for Lares.
//
// Devices, their append-only history, and installed service records live in
// an embedded SQLite database (modernc.org/sqlite, pure Go). The store is
// the only shared mutable state between tool handlers: every mutation runs
// in a single transaction, writes to the same device serialize on a
// per-device lock, and readers never block writers (WAL mode).
package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding the fleet inventory.
type Store struct {
	db *sql.DB

	// locks serializes mutations per device.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the inventory database at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create inventory directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers off the writer's back; busy_timeout covers the
	// brief writer-to-writer contention that remains.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, locks: map[string]*sync.Mutex{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		// Checkpoint failures are not fatal; the WAL replays on next open.
		_ = err
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id                TEXT PRIMARY KEY,
			hostname          TEXT NOT NULL DEFAULT '',
			ip_address        TEXT NOT NULL DEFAULT '',
			doc               TEXT NOT NULL,
			version           INTEGER NOT NULL DEFAULT 1,
			refreshing        INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			last_seen_at      TEXT,
			last_discovery_at TEXT,
			UNIQUE(hostname, ip_address)
		);
		CREATE INDEX IF NOT EXISTS idx_devices_hostname ON devices(hostname);
		CREATE INDEX IF NOT EXISTS idx_devices_ip ON devices(ip_address);

		CREATE TABLE IF NOT EXISTS device_history (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			kind      TEXT NOT NULL,
			diff      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_history_device ON device_history(device_id, id);

		CREATE TABLE IF NOT EXISTS device_services (
			device_id    TEXT NOT NULL,
			service_name TEXT NOT NULL,
			doc          TEXT NOT NULL,
			PRIMARY KEY (device_id, service_name),
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		);
	`)
	return err
}

// deviceLock returns the mutex serializing writes for one device.
func (s *Store) deviceLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// begin starts a transaction bound to ctx.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}
