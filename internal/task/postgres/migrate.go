package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration under migrations/ using
// pressly/goose, the schema-migration tool this module adopts for the
// Task Store (the teacher itself loads config via raw JSON/viper and
// carries no migration tool of its own; goose is adopted from the wider
// ecosystem to satisfy EnsureSchema's idempotent-migration requirement).
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
