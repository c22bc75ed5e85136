package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"project-tracker-backend/pkg/apperr"
)

//go:embed schema/*/*.sql
var schemaFS embed.FS

// Schema sets shipped with the binary.
const (
	SchemaSQLite   = "sqlite"
	SchemaPostgres = "postgres"
	SchemaSupabase = "supabase"
)

// Migrate applies pending migrations for this database's dialect.
func (db *SQLDatabase) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, db.db, db.dialect, string(db.dialect))
}

// ApplySupabaseSchema installs the managed schema and its row-level security
// policies through a direct Postgres connection to the Supabase project.
func ApplySupabaseSchema(ctx context.Context, dsn string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dsn = strings.TrimSpace(dsn)
	if !strings.Contains(dsn, "connect_timeout") {
		dsn = addConnectionParams(dsn, connectTimeoutParam(timeout))
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return apperr.Unavailable("supabase.migrate", err)
	}
	defer func() { _ = conn.Close() }()
	return applyMigrations(ctx, conn, dialectPostgres, SchemaSupabase)
}

// PendingMigrations lists the migration files of a schema set that are not yet applied.
func PendingMigrations(ctx context.Context, conn *sql.DB, schema string) ([]string, error) {
	files, err := migrationFiles(schema)
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, name := range files {
		if !applied[migrationVersion(name)] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

func migrationFiles(schema string) ([]string, error) {
	entries, err := schemaFS.ReadDir("schema/" + schema)
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", schema, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// migrationVersion 取文件名前缀数字，如 001_init.sql -> 1
func migrationVersion(name string) int {
	prefix, _, _ := strings.Cut(name, "_")
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return v
}

func appliedVersions(ctx context.Context, conn *sql.DB) (map[int]bool, error) {
	applied := make(map[int]bool)
	rows, err := conn.QueryContext(ctx, "SELECT version FROM _migrations")
	if err != nil {
		// 表尚不存在时视为没有已应用的迁移
		return applied, nil
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigrations(ctx context.Context, conn *sql.DB, d dialect, schema string) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return apperr.Unavailable("migrate", fmt.Errorf("create migrations table: %w", err))
	}

	files, err := migrationFiles(schema)
	if err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	for _, name := range files {
		version := migrationVersion(name)
		if applied[version] {
			continue
		}
		content, err := schemaFS.ReadFile("schema/" + schema + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return apperr.Unavailable("migrate", fmt.Errorf("begin transaction: %w", err))
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return apperr.Transaction("migrate", fmt.Errorf("apply migration %s: %w", name, err))
		}
		if _, err := tx.ExecContext(ctx, d.rebind("INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)"),
			version, name, formatTime(time.Now())); err != nil {
			_ = tx.Rollback()
			return apperr.Transaction("migrate", fmt.Errorf("record migration %s: %w", name, err))
		}
		if err := tx.Commit(); err != nil {
			return apperr.Transaction("migrate", fmt.Errorf("commit migration %s: %w", name, err))
		}
	}
	return nil
}
