// Package migrations applies the engine's embedded, dbmate-formatted
// SQL migrations idempotently at process startup. Narrowed from the
// teacher's multi-dialect migrator to Postgres only, since this engine
// carries no Driver abstraction (see DESIGN.md).
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

var versionPattern = regexp.MustCompile(`^(\d+)_`)

// EnsureSchemaMigrationsTable creates the bookkeeping table if absent.
// Idempotent: a concurrent creator racing this call is tolerated.
func EnsureSchemaMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY)`)
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func getAppliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func recordMigration(ctx context.Context, db *sql.DB, version string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, version)
	if err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	return nil
}

func extractVersion(filename string) string {
	m := versionPattern.FindStringSubmatch(filename)
	if len(m) != 2 {
		return filename
	}
	return m[1]
}

// parseUpSection extracts the SQL between "-- migrate:up" and
// "-- migrate:down" (or end of file), the dbmate migration format.
func parseUpSection(content string) string {
	const upMarker = "-- migrate:up"
	const downMarker = "-- migrate:down"

	upIdx := strings.Index(content, upMarker)
	if upIdx < 0 {
		return content
	}
	rest := content[upIdx+len(upMarker):]
	if downIdx := strings.Index(rest, downMarker); downIdx >= 0 {
		return rest[:downIdx]
	}
	return rest
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate")
}

// Apply runs every *.sql file in migrationsFS (sorted by filename, which
// sorts by timestamp for dbmate-style names) whose extracted version is
// not yet recorded in schema_migrations.
func Apply(ctx context.Context, db *sql.DB, migrationsFS fs.FS) error {
	if err := EnsureSchemaMigrationsTable(ctx, db); err != nil {
		return err
	}

	applied, err := getAppliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := extractVersion(filename)
		if applied[version] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, filename)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}

		upSQL := parseUpSection(string(content))
		if _, err := db.ExecContext(ctx, upSQL); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("apply migration %s: %w", filename, err)
		}
		if err := recordMigration(ctx, db, version); err != nil {
			return err
		}
		slog.Debug("applied migration", "file", filename, "version", version)
	}
	return nil
}
