package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded migration source.
func Migrations() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFiles,
		Root:       "migrations",
	}
}

// Migrate applies (migrate.Up) or rolls back (migrate.Down) the embedded migrations and
// returns the number applied.
func Migrate(db *sql.DB, dir migrate.MigrationDirection) (int, error) {
	if db == nil {
		return 0, ErrDBRequired
	}

	n, err := migrate.Exec(db, "postgres", Migrations(), dir)
	if err != nil {
		return n, fmt.Errorf("delivery postgres: migrate failed: %w", err)
	}

	return n, nil
}
