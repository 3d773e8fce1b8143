package database

import (
	"context"
	"embed"
	"testing"
)

//go:embed testdata/*.sql
var schemaFixtures embed.FS

// pointAtFixtures swaps the package-level schema FS to testdata for
// one test, restoring the real embedded schema afterwards.
func pointAtFixtures(t *testing.T, fsys embed.FS, dir string) {
	t.Helper()

	prevFS, prevDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = fsys, dir
	t.Cleanup(func() { MigrationsFS, MigrationsDir = prevFS, prevDir })
}

func tableCount(t *testing.T, db *DB, table string) int {
	t.Helper()

	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n
}

// ============================================================
// Migrate
// ============================================================

func TestMigrate_AppliesPendingSteps(t *testing.T) {
	pointAtFixtures(t, schemaFixtures, "testdata")
	db := openTestStore(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if tableCount(t, db, "test_probe") != 1 {
		t.Error("fixture table not created")
	}

	// The applied step is recorded and no longer pending.
	var recorded int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&recorded); err != nil {
		t.Fatalf("counting version records: %v", err)
	}
	if recorded != 1 {
		t.Errorf("version records = %d, want 1", recorded)
	}
	pending, err := db.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after migrate = %d, want 0", len(pending))
	}
}

func TestMigrate_SecondRunIsNoOp(t *testing.T) {
	pointAtFixtures(t, schemaFixtures, "testdata")
	db := openTestStore(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("repeat Migrate: %v", err)
	}
}

func TestMigrate_NoEmbeddedSchema(t *testing.T) {
	pointAtFixtures(t, embed.FS{}, ".")
	db := openTestStore(t)

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate with empty FS: %v", err)
	}
}

// ============================================================
// Pending / RollbackLast
// ============================================================

func TestPending_ListsUnappliedSteps(t *testing.T) {
	pointAtFixtures(t, schemaFixtures, "testdata")
	db := openTestStore(t)

	pending, err := db.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Version != "20260118_120000" || pending[0].Name != "create_probe" {
		t.Errorf("pending step = %s (%s), want 20260118_120000 (create_probe)", pending[0].Version, pending[0].Name)
	}
}

func TestRollbackLast_UnwindsNewestStep(t *testing.T) {
	pointAtFixtures(t, schemaFixtures, "testdata")
	db := openTestStore(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db.RollbackLast(ctx); err != nil {
		t.Fatalf("RollbackLast: %v", err)
	}

	if tableCount(t, db, "test_probe") != 0 {
		t.Error("fixture table still present after rollback")
	}
	pending, err := db.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending after rollback = %d, want 1", len(pending))
	}
}

func TestRollbackLast_EmptyStore(t *testing.T) {
	pointAtFixtures(t, schemaFixtures, "testdata")
	db := openTestStore(t)
	ctx := context.Background()

	if err := db.initVersionTable(ctx); err != nil {
		t.Fatalf("initVersionTable: %v", err)
	}
	if err := db.RollbackLast(ctx); err != nil {
		t.Fatalf("RollbackLast on empty store: %v", err)
	}
}

// ============================================================
// Filename parsing
// ============================================================

func TestSplitMigrationName(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantDesc    string
		wantUp      bool
		wantOK      bool
	}{
		{"20260214_090000_create_pending_readings.up.sql", "20260214_090000", "create_pending_readings", true, true},
		{"20260214_090000_create_pending_readings.down.sql", "20260214_090000", "create_pending_readings", false, true},
		{"20260214_090000.up.sql", "20260214_090000", "20260214_090000", true, true},
		{"invalid.up.sql", "", "", false, false},
		{"notes.md", "", "", false, false},
		{"20260214_090000_missing_direction.sql", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, desc, up, ok := splitMigrationName(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || desc != tt.wantDesc || up != tt.wantUp {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)",
					version, desc, up, tt.wantVersion, tt.wantDesc, tt.wantUp)
			}
		})
	}
}
