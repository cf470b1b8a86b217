package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the archive file created inside the data directory.
	DefaultDBFileName = "archive.db"
	// DefaultMaintenanceInterval is how often old messages are pruned and
	// the write-ahead log is truncated while a store stays open.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultRetention is how long archived messages are kept.
	DefaultRetention = 180 * 24 * time.Hour
)

// schema is applied in order; PRAGMA user_version records how many steps a
// database file already has.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS archived_messages (
  message_key  TEXT PRIMARY KEY,
  owner_id     TEXT NOT NULL,
  peer_id      TEXT NOT NULL,
  direction    TEXT NOT NULL CHECK(direction IN ('sent','received')),
  content      TEXT NOT NULL,
  timestamp_ns INTEGER NOT NULL,
  archived_at  INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_archived_messages_conversation_time
  ON archived_messages (owner_id, peer_id, timestamp_ns, archived_at)`,
	`CREATE INDEX IF NOT EXISTS idx_archived_messages_time
  ON archived_messages (timestamp_ns)`,
}

// Store keeps a local copy of every conversation the client has shown.
type Store struct {
	db *sql.DB

	retention   time.Duration
	maintainGap time.Duration
	stop        chan struct{}
	maintainer  sync.WaitGroup
	closeOnce   sync.Once
}

// Open uses archive.db inside dataDir, creating the directory if needed, and
// returns the store with the file path it opened.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("archive directory %q: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the archive at dbPath and brings its schema up to date.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(dbPath)+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", dbPath, err)
	}

	store := &Store{
		db:          db,
		retention:   DefaultRetention,
		maintainGap: DefaultMaintenanceInterval,
		stop:        make(chan struct{}),
	}
	for _, step := range []func() error{db.Ping, store.useWAL, store.migrate, store.truncateWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("archive %s: %w", dbPath, err)
		}
	}

	store.prune()
	store.maintainer.Add(1)
	go store.maintain()
	return store, nil
}

// Close stops background maintenance and releases the database. Calling it
// more than once is harmless.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.maintainer.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(schema) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for step := applied; step < len(schema); step++ {
		if _, err := tx.Exec(schema[step]); err != nil {
			return fmt.Errorf("schema step %d: %w", step+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(schema))); err != nil {
		return fmt.Errorf("record schema version %d: %w", len(schema), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("switch to WAL: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("switch to WAL: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) truncateWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	return nil
}

func (s *Store) prune() {
	if s.retention > 0 {
		_, _ = s.PruneBefore(time.Now().Add(-s.retention))
	}
}

func (s *Store) maintain() {
	defer s.maintainer.Done()
	if s.maintainGap <= 0 {
		<-s.stop
		return
	}

	ticker := time.NewTicker(s.maintainGap)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune()
			_ = s.truncateWAL()
		}
	}
}
