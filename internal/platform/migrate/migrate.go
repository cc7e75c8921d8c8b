// Package migrate applies the embedded goose migrations of a store backend.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
)

// TableName is the goose version table shared by every backend.
const TableName = "schema_migrations"

// goose keeps its dialect, base FS and table name in package globals.
var mu sync.Mutex

// slogGooseLogger adapts the goose logger interface to use slog
type slogGooseLogger struct {
	logger *slog.Logger
}

// Printf implements the goose.Logger Printf method by forwarding messages to slog.Info
func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf implements the goose.Logger Fatalf method by forwarding messages to slog.Error.
// It does NOT call os.Exit; the error is returned to the caller.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Source is a set of migrations for one SQL dialect.
type Source struct {
	// Dialect is a goose dialect name, e.g. "postgres" or "sqlite3".
	Dialect string
	// FS holds the .sql files at its root.
	FS fs.FS
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB, src Source, logger *slog.Logger) error {
	return run(ctx, db, src, logger, "up", func() error {
		return goose.UpContext(ctx, db, ".")
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, db *sql.DB, src Source, logger *slog.Logger) error {
	return run(ctx, db, src, logger, "down", func() error {
		return goose.DownContext(ctx, db, ".")
	})
}

// Status logs the applied state of every migration.
func Status(ctx context.Context, db *sql.DB, src Source, logger *slog.Logger) error {
	return run(ctx, db, src, logger, "status", func() error {
		return goose.StatusContext(ctx, db, ".")
	})
}

// Version returns the current schema version.
func Version(ctx context.Context, db *sql.DB, src Source, logger *slog.Logger) (int64, error) {
	var version int64
	err := run(ctx, db, src, logger, "version", func() error {
		v, err := goose.GetDBVersionContext(ctx, db)
		version = v
		return err
	})
	return version, err
}

func run(
	ctx context.Context,
	db *sql.DB,
	src Source,
	logger *slog.Logger,
	command string,
	fn func() error,
) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrations", "command", command, "dialect", src.Dialect)

	mu.Lock()
	defer mu.Unlock()

	goose.SetLogger(&slogGooseLogger{logger: logger})
	goose.SetTableName(TableName)
	goose.SetBaseFS(src.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(src.Dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect %q: %w", src.Dialect, err)
	}

	start := time.Now()
	if err := fn(); err != nil {
		logger.Error("migration command failed", "error", err)
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	logger.Debug("migration command completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
