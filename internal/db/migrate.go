package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect names accepted by Migrate.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Migrate applies every pending embedded migration for dialect. goose keeps
// its own goose_db_version table, so reruns are no-ops.
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	var dir string
	switch dialect {
	case DialectSQLite:
		dir = "migrations/sqlite"
	case DialectPostgres:
		dir = "migrations/postgres"
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return nil
}
