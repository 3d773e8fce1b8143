package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// probeTimeout bounds the connectivity check performed by Open.
	probeTimeout = 5 * time.Second

	// storeDirMode and storeFileMode keep the queue store private to
	// the agent user; readings reveal site consumption patterns.
	storeDirMode  = 0o750
	storeFileMode = 0o600
)

// DB is the agent's local store: one SQLite file holding the
// pending-readings queue and its schema bookkeeping. It embeds sql.DB,
// so callers use the standard query methods directly.
type DB struct {
	*sql.DB
	path string
}

// Config mirrors the database section of config.yaml.
type Config struct {
	// Path is where the SQLite file lives. Parent directories are
	// created on first open.
	Path string

	// WALMode switches the journal to write-ahead logging so the
	// status tracker can read queue depth while an upload cycle
	// deletes rows.
	WALMode bool

	// BusyTimeout is how many seconds a statement waits on a held
	// lock before failing with SQLITE_BUSY.
	BusyTimeout int
}

// Open opens the store described by cfg, creating the file and its
// directory on first run, and verifies it responds before returning.
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), storeDirMode); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	handle, err := sql.Open("sqlite3", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// One connection serialises the collector's enqueues against the
	// uploader's dequeue-and-delete transactions. SQLite permits a
	// single writer at a time regardless of pool size.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		handle.Close() //nolint:errcheck // Open failed, nothing to preserve
		return nil, fmt.Errorf("probing store: %w", err)
	}

	// The ping forced the file into existence, so the chmod applies to
	// a real file and a failure here is a real failure.
	if err := os.Chmod(cfg.Path, storeFileMode); err != nil {
		handle.Close() //nolint:errcheck // Open failed, nothing to preserve
		return nil, fmt.Errorf("restricting store permissions: %w", err)
	}

	return &DB{DB: handle, path: cfg.Path}, nil
}

// buildDSN assembles the go-sqlite3 connection string. Pragmas ride in
// the query string so every pooled connection picks them up.
func buildDSN(cfg Config) string {
	pragmas := []string{
		// The pragma takes milliseconds; config speaks in seconds.
		fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout*1000),
		"_foreign_keys=on",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	return "file:" + cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Close releases the underlying handle. Safe to call on a DB that
// never finished opening.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}
