package repository

import (
	"context"
	"database/sql"
	"embed"

	libdb "chargewatch/backend/libs/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate brings the watch-service schema up to date.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	migrations, err := libdb.LoadMigrations(migrationFS, "migrations")
	if err != nil {
		return 0, err
	}
	return libdb.Migrate(ctx, db, migrations)
}
