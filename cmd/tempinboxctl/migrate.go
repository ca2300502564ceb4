package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // goose 通过 database/sql 连接 PostgreSQL
	"github.com/spf13/cobra"

	"tempinbox/backend/internal/storage/postgres/migrations"
)

// newMigrateCommand 管理原生 PostgreSQL 存储的 goose 迁移。
// GORM 驱动（mysql / postgres）在服务启动时自动建表，不走这里。
func newMigrateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(cmd, opts, func(ctx context.Context, db *sql.DB) error {
				if err := migrations.Up(ctx, db); err != nil {
					return err
				}
				return printVersion(ctx, cmd, db)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(cmd, opts, func(ctx context.Context, db *sql.DB) error {
				if err := migrations.Down(ctx, db); err != nil {
					return err
				}
				return printVersion(ctx, cmd, db)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(cmd, opts, migrations.Status)
		},
	})

	return cmd
}

func withMigrationDB(cmd *cobra.Command, opts *globalOptions, fn func(context.Context, *sql.DB) error) error {
	if opts.dsn == "" {
		return fmt.Errorf("--dsn is required")
	}
	if opts.driver != "pgx" && opts.driver != "postgres" {
		return fmt.Errorf("migrations are only available for PostgreSQL, got driver %q", opts.driver)
	}

	db, err := sql.Open("postgres", opts.dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := commandContext(cmd)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(ctx, db)
}

func printVersion(ctx context.Context, cmd *cobra.Command, db *sql.DB) error {
	version, err := migrations.Version(ctx, db)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
	return nil
}
