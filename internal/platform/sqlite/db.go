package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/platform/migrate"
)

const defaultPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// DSN appends the connection pragmas to a file path unless the caller already
// supplied its own query string.
func DSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + defaultPragmas
}

// Open opens the SQLite database at cfg.URL and applies pending migrations
// when cfg.AutoMigrate is set. The pool is limited to one connection so all
// writes are serialized by database/sql rather than by SQLITE_BUSY retries.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", DSN(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := migrate.Up(ctx, db, Migrations(), logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Info("database connection established", "driver", "sqlite", "path", cfg.URL)
	return db, nil
}
