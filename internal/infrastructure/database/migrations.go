package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// MigrationsFS carries the embedded schema files. The migrations
// package points it at its own //go:embed FS from an init func, which
// keeps this package free of an import cycle on the schema itself.
var MigrationsFS embed.FS

// MigrationsDir is the directory inside MigrationsFS that holds the
// *.sql files. "." when the files sit at the FS root.
var MigrationsDir = "migrations"

// Migration is one schema step, read from a pair of
// <version>_<description>.up.sql / .down.sql files.
type Migration struct {
	Version string // date_time prefix, e.g. "20260214_090000"
	Name    string // description part of the filename
	UpSQL   string
	DownSQL string
}

// Migrate brings the store's schema up to date. Each step runs in its
// own transaction: a failing step rolls itself back, earlier steps
// stay committed, and a later Migrate continues from the failure.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.initVersionTable(ctx); err != nil {
		return err
	}

	steps, err := readMigrations()
	if err != nil {
		return err
	}
	done, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range steps {
		if _, ok := done[m.Version]; ok {
			continue
		}
		if err := db.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Pending lists the schema steps Migrate would still apply.
func (db *DB) Pending(ctx context.Context) ([]Migration, error) {
	if err := db.initVersionTable(ctx); err != nil {
		return nil, err
	}
	steps, err := readMigrations()
	if err != nil {
		return nil, err
	}
	done, err := db.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range steps {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// RollbackLast unwinds the most recently applied step using its down
// file. Development and test tooling only; the agent never calls it.
func (db *DB) RollbackLast(ctx context.Context) error {
	done, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}
	if len(done) == 0 {
		return nil
	}

	var newest string
	for v := range done {
		if v > newest {
			newest = v
		}
	}

	steps, err := readMigrations()
	if err != nil {
		return err
	}
	idx := -1
	for i := range steps {
		if steps[i].Version == newest {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("applied migration %s missing from embedded schema", newest)
	}
	if steps[idx].DownSQL == "" {
		return fmt.Errorf("migration %s has no down file", newest)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op once committed

	if _, err := tx.ExecContext(ctx, steps[idx].DownSQL); err != nil {
		return fmt.Errorf("unwinding %s: %w", newest, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM schema_migrations WHERE version = ?", newest,
	); err != nil {
		return fmt.Errorf("clearing version record %s: %w", newest, err)
	}
	return tx.Commit()
}

const versionTableSQL = "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)"

func (db *DB) initVersionTable(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, versionTableSQL); err != nil {
		return fmt.Errorf("schema version table: %w", err)
	}
	return nil
}

// appliedVersions maps each recorded version to when it was applied.
func (db *DB) appliedVersions(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading schema versions: %w", err)
	}
	defer rows.Close()

	done := make(map[string]time.Time)
	for rows.Next() {
		var version, stamp string
		if err := rows.Scan(&version, &stamp); err != nil {
			return nil, fmt.Errorf("scanning schema version: %w", err)
		}
		at, _ := time.Parse(time.RFC3339, stamp) //nolint:errcheck // We wrote the stamp
		done[version] = at
	}
	return done, rows.Err()
}

// runMigration applies one step and records it, atomically.
func (db *DB) runMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op once committed

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}

// readMigrations collects the embedded schema files, pairing up and
// down halves by version, sorted oldest first.
func readMigrations() ([]Migration, error) {
	if MigrationsFS == (embed.FS{}) {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, nil // nothing embedded under that dir
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, desc, up, ok := splitMigrationName(entry.Name())
		if !ok {
			continue
		}

		body, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading schema file %s: %w", entry.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: desc}
			byVersion[version] = m
		}
		if up {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	steps := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", m.Version)
		}
		steps = append(steps, *m)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// splitMigrationName takes "20260214_090000_create_x.up.sql" apart
// into its version, description and direction.
func splitMigrationName(filename string) (version, desc string, up, ok bool) {
	stem, isUp := strings.CutSuffix(filename, ".up.sql")
	if !isUp {
		var isDown bool
		if stem, isDown = strings.CutSuffix(filename, ".down.sql"); !isDown {
			return "", "", false, false
		}
	}

	parts := strings.SplitN(stem, "_", 3)
	if len(parts) < 2 {
		return "", "", false, false
	}
	version = parts[0] + "_" + parts[1]
	desc = stem
	if len(parts) == 3 {
		desc = parts[2]
	}
	return version, desc, isUp, true
}
