// Package migrations holds the Postgres schema of sessions and the question bank.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed *.sql
var sqlMigrations embed.FS

var Migrations = migrate.NewMigrations()

func init() {
	if err := Migrations.Discover(sqlMigrations); err != nil {
		panic(err)
	}
}

// Migrate applies every pending migration.
func Migrate(ctx context.Context, db *bun.DB) error {
	m := migrate.NewMigrator(db, Migrations)

	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}

	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer m.Unlock(ctx) //nolint:errcheck

	group, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "migrations: nothing to migrate")
		return nil
	}

	slog.InfoContext(ctx, "migrations: applied", "group", group.String())
	return nil
}

// Rollback reverts the last applied migration group.
func Rollback(ctx context.Context, db *bun.DB) error {
	m := migrate.NewMigrator(db, Migrations)

	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer m.Unlock(ctx) //nolint:errcheck

	group, err := m.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "migrations: nothing to roll back")
		return nil
	}

	slog.InfoContext(ctx, "migrations: rolled back", "group", group.String())
	return nil
}
