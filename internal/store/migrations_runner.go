package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aegisfin/calsync/internal/migrations"
)

// PgxPool is the slice of pgxpool.Pool the migration runner touches. Small
// enough for tests to stub without reaching for a live database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

const recordMigrationSQL = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`

// ApplyMigrations brings the schema up to date from the SQL files embedded in
// internal/migrations, applied in lexical order, each in its own transaction.
// Three starting states are handled: a fresh database runs everything; a
// database created before version tracking existed gets the first migration
// recorded as applied rather than replayed; an up-to-date one is a no-op.
func ApplyMigrations(ctx context.Context, pool PgxPool) error {
	names, err := migrationNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	tracked, err := hasMigrationTable(ctx, pool)
	if err != nil {
		return err
	}
	if !tracked {
		const countSQL = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`
		var tableCount int
		if err := pool.QueryRow(ctx, countSQL).Scan(&tableCount); err != nil {
			return fmt.Errorf("count tables: %w", err)
		}

		const createSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
		if _, err := pool.Exec(ctx, createSQL); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		if tableCount > 0 {
			// Pre-tracking database; its schema is the first migration's
			// output, so record it instead of replaying CREATE statements.
			if _, err := pool.Exec(ctx, recordMigrationSQL, names[0]); err != nil {
				return fmt.Errorf("record migration %s: %w", names[0], err)
			}
		}
	}

	for _, name := range names {
		applied, err := migrationApplied(ctx, pool, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := runMigration(ctx, pool, name); err != nil {
			return err
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func hasMigrationTable(ctx context.Context, pool PgxPool) (bool, error) {
	const q = `SELECT EXISTS (
        SELECT 1 FROM information_schema.tables
        WHERE table_schema='public' AND table_name='schema_migrations'
)`
	var exists bool
	if err := pool.QueryRow(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration table: %w", err)
	}
	return exists, nil
}

func migrationApplied(ctx context.Context, pool PgxPool, name string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`
	var exists bool
	if err := pool.QueryRow(ctx, q, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}

// runMigration executes one migration file and records it in the same
// transaction, so a mid-migration failure leaves it unrecorded and retryable.
func runMigration(ctx context.Context, pool PgxPool, name string) error {
	contents, err := migrations.Files.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, recordMigrationSQL, name); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
