// Package store is the relational persistence layer: peers, broker
// sessions, provider sessions, metrics, and IP rate-limit rows, backed by
// SQLite via the pure-Go modernc.org/sqlite driver.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/symmetry-network/hub/internal/log"
)

// maxRetries and the backoff schedule for SQLITE_BUSY / SQLITE_LOCKED
// contention, per spec §4.1 and §5.
const (
	maxRetries   = 5
	retryBackoff = 100 * time.Millisecond
)

// Store wraps the SQLite connection pool shared by every repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, puts it
// in write-ahead-log mode, and applies pending migrations in ascending
// numeric order.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	// A single connection avoids SQLITE_BUSY storms under WAL. Every read
	// and write goes through it, so reads do not run concurrently with
	// each other or with writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry retries fn on transient SQLITE_BUSY/SQLITE_LOCKED errors with
// exponential backoff starting at 100ms, per spec §4.1. Persistent
// failures, and anything that isn't a busy/locked error, propagate
// immediately.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		log.Store.Warn().Int("attempt", attempt).Err(err).Msg("store busy, retrying")
		time.Sleep(retryBackoff * time.Duration(1<<uint(attempt)))
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// ErrNotFound is returned by single-row lookups when nothing matches.
var ErrNotFound = errors.New("not found")
