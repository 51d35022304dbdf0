// Package testutil provides shared infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// PGTest connects to the database named by POSTGRES_URL, applies the
// goose migrations, and hands back the connection plus a cleanup
// function. The test is skipped when POSTGRES_URL is unset.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// Application tables are truncated both before the test runs and during
// cleanup, so a crashed earlier run cannot leak rows into this one.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := goose.RunContext(ctx, "up", db, migrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	truncateAll(ctx, db)
	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// migrationsDir walks up from the test's working directory to the
// repo-level migrations directory.
func migrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("pgtest: no migrations directory above the test's cwd")
		}
		dir = parent
	}
}

// truncateAll empties every application table. The goose bookkeeping
// table stays so reruns skip already applied migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename != 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return
	}

	// Names come from pg_tables, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE"
	_, _ = db.ExecContext(ctx, stmt)
}
