package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Migration is one numbered schema change. Version is the file stem shared
// by its scripts, e.g. "0001_messaging".
type Migration struct {
	Version  string
	UpPath   string
	DownPath string
}

var migrationFile = regexp.MustCompile(`^(\d{4}_[a-z0-9_]+)\.(up|down)\.sql$`)

// migrationLockID keys the advisory lock held while migrating, so API
// instances starting together apply each version once.
const migrationLockID int64 = 0x6d656e746f72

// LoadMigrations pairs the up and down scripts in dir by version, in
// ascending order. Files that do not look like migrations are ignored.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byVersion[match[1]]
		if m == nil {
			m = &Migration{Version: match[1]}
			byVersion[match[1]] = m
		}
		path := filepath.Join(dir, entry.Name())
		if match[2] == "up" {
			m.UpPath = path
		} else {
			m.DownPath = path
		}
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpPath == "" || m.DownPath == "" {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", m.Version)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return migrations, nil
}

// ApplyMigrations runs every pending up script in order, each in its own
// transaction, and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}

	conn, release, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer release()

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		start := time.Now()
		if err := runScript(ctx, conn, m.UpPath, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version); err != nil {
			return ran, fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		logger.Info("migration_applied", "version", m.Version, "duration_ms", time.Since(start).Milliseconds())
		ran = append(ran, m.Version)
	}
	if len(ran) == 0 {
		logger.Debug("migrations_up_to_date", "versions", len(migrations))
	}
	return ran, nil
}

// rollbackMigrations runs the down script of every applied version, newest
// first, and returns the versions it rolled back.
func rollbackMigrations(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}

	conn, release, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer release()

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}

	var undone []string
	for _, m := range slices.Backward(migrations) {
		if !applied[m.Version] {
			continue
		}
		if err := runScript(ctx, conn, m.DownPath, `DELETE FROM schema_migrations WHERE version = $1`, m.Version); err != nil {
			return undone, fmt.Errorf("roll back migration %s: %w", m.Version, err)
		}
		logger.Info("migration_rolled_back", "version", m.Version)
		undone = append(undone, m.Version)
	}
	return undone, nil
}

// lockMigrations pins one connection, takes the migration advisory lock on
// it and makes sure the bookkeeping table exists.
func lockMigrations(ctx context.Context, db *sql.DB) (*sql.Conn, func(), error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire migration connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("lock migrations: %w", err)
	}
	release := func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
		_ = conn.Close()
	}

	_, err = conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return conn, release, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// runScript executes the script at path and the bookkeeping statement for
// version in one transaction.
func runScript(ctx context.Context, conn *sql.Conn, path, bookkeeping, version string) (err error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, ignoreDone(tx.Rollback()))
		}
	}()

	if script := strings.TrimSpace(string(contents)); script != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("execute %s: %w", filepath.Base(path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return fmt.Errorf("record %s: %w", version, err)
	}
	return tx.Commit()
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
