package testdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/phrazzld/promised/internal/ciutil"
	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/platform/logger"
	"github.com/phrazzld/promised/internal/platform/postgres"
	"github.com/phrazzld/promised/internal/platform/sqlite"
)

// OpenSQLite opens a migrated SQLite database in the test's temp dir.
// The database is closed when the test finishes.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	return OpenSQLiteAt(t, filepath.Join(t.TempDir(), "promised.db"))
}

// OpenSQLiteAt opens (and migrates) the SQLite database at path. Opening the
// same path twice simulates a process restart.
func OpenSQLiteAt(t *testing.T, path string) *sql.DB {
	t.Helper()
	_, l := logger.NewTestLogger(t)
	db, err := sqlite.Open(context.Background(), config.DatabaseConfig{
		Driver:      "sqlite",
		URL:         path,
		AutoMigrate: true,
	}, l)
	if err != nil {
		t.Fatalf("open sqlite %s: %v", path, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// OpenPostgres connects to the integration database, applies migrations and
// empties the promises table.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	_, l := logger.NewTestLogger(t)
	url := ciutil.DatabaseURL(l)
	if url == "" {
		unavailable(t, "PostgreSQL", ciutil.EnvTestDatabaseURL)
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, config.DatabaseConfig{
		Driver:       "postgres",
		URL:          url,
		MaxOpenConns: 20,
		AutoMigrate:  true,
	}, l)
	if err != nil {
		t.Fatalf("open postgres %s: %v", ciutil.MaskURL(url), err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, "TRUNCATE promises"); err != nil {
		t.Fatalf("truncate promises: %v", err)
	}
	return db
}

// RedisURL returns the integration Redis URL.
func RedisURL(t *testing.T) string {
	t.Helper()
	_, l := logger.NewTestLogger(t)
	url := ciutil.RedisURL(l)
	if url == "" {
		unavailable(t, "Redis", ciutil.EnvTestRedisURL)
	}
	return url
}

func unavailable(t *testing.T, service, env string) {
	t.Helper()
	if ciutil.RequireIntegration() {
		t.Fatalf("%s required but %s is not set", service, env)
	}
	t.Skipf("%s not configured (%s); skipping integration test", service, env)
}
