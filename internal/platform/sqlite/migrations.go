package sqlite

import (
	"embed"
	"io/fs"

	"github.com/phrazzld/promised/internal/platform/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the SQLite schema migrations.
func Migrations() migrate.Source {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		// ALLOW-PANIC: the embedded directory is fixed at build time
		panic(err)
	}
	return migrate.Source{Dialect: "sqlite3", FS: sub}
}
