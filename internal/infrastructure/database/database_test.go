package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ============================================================
// Open
// ============================================================

func TestOpen_CreatesFileAndDirectories(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "queue", "metersync.db")

	db, err := Open(Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("store file missing after Open: %v", err)
	}
	if got := info.Mode().Perm(); got != storeFileMode {
		t.Errorf("store file mode = %o, want %o", got, storeFileMode)
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	db := openTestStore(t)

	var journal string
	if err := db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&journal); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if !strings.EqualFold(journal, "wal") {
		t.Errorf("journal_mode = %q, want wal", journal)
	}

	var busyMS int
	if err := db.QueryRowContext(context.Background(), "PRAGMA busy_timeout").Scan(&busyMS); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if busyMS != 5000 {
		t.Errorf("busy_timeout = %d ms, want 5000", busyMS)
	}
}

func TestOpen_SingleConnectionPool(t *testing.T) {
	db := openTestStore(t)

	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", got)
	}
}

// ============================================================
// DSN assembly
// ============================================================

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "wal enabled",
			cfg:  Config{Path: "/var/lib/metersync/queue.db", WALMode: true, BusyTimeout: 5},
			want: "file:/var/lib/metersync/queue.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		},
		{
			name: "wal disabled",
			cfg:  Config{Path: "queue.db", BusyTimeout: 2},
			want: "file:queue.db?_busy_timeout=2000&_foreign_keys=on",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildDSN(tt.cfg); got != tt.want {
				t.Errorf("buildDSN = %q\nwant      %q", got, tt.want)
			}
		})
	}
}

// ============================================================
// Close
// ============================================================

func TestClose_Tolerant(t *testing.T) {
	db := openTestStore(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Both a nil receiver and a half-opened DB must close cleanly so
	// deferred cleanup never panics on a failed startup.
	var nilDB *DB
	if err := nilDB.Close(); err != nil {
		t.Errorf("Close on nil receiver: %v", err)
	}
	if err := (&DB{}).Close(); err != nil {
		t.Errorf("Close on empty DB: %v", err)
	}
}

// openTestStore opens a throwaway store under t.TempDir.
func openTestStore(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}
