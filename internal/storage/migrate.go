package storage

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations.
func Migrate(db *sql.DB, driver string) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())

	dialect := driver
	if driver == "sqlite" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return faults.Wrap(faults.KindConfiguration, err, "set migration dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "apply migrations")
	}
	return nil
}
