package handle

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/store/*.sql
var storeMigrationsFS embed.FS

//go:embed migrations/admin/*.sql
var adminMigrationsFS embed.FS

// walJournalSizeLimit bounds the WAL file so a long-running worker process
// doesn't let it grow unbounded between checkpoints.
const walJournalSizeLimit = 67108864 // 64 MiB

// setPragmas configures SQLite for WAL mode and durability, matching the
// store's single-writer, crash-safe requirements (spec §5's transactional
// external-store discipline).
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("handle: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// runMigrations brings db up to the current schema using the embedded SQL
// migrations under subdir ("store" or "admin").
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger, embedded embed.FS, subdir string) error {
	subFS, err := fs.Sub(embedded, subdir)
	if err != nil {
		return fmt.Errorf("handle: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("handle: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("handle: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()))
	}

	return nil
}

func runStoreMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return runMigrations(ctx, db, logger, storeMigrationsFS, "migrations/store")
}

func runAdminMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return runMigrations(ctx, db, logger, adminMigrationsFS, "migrations/admin")
}
