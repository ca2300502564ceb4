package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/events"
	"tempinbox/backend/internal/logger"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/storage"
	"tempinbox/backend/internal/storage/postgres"
	sqlstore "tempinbox/backend/internal/storage/sql"
)

// globalOptions 所有子命令共享的数据库参数
type globalOptions struct {
	driver  string
	dsn     string
	verbose bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "tempinboxctl",
		Short:         "Administrative tool for the tempinbox backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.driver, "driver", envOr("TEMPINBOX_DATABASE_DRIVER", "pgx"), "database driver: pgx, postgres or mysql")
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", os.Getenv("TEMPINBOX_DATABASE_DSN"), "database connection string")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newLicenseCommand(opts))
	cmd.AddCommand(newSessionsCommand(opts))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (o *globalOptions) logger() *zap.Logger {
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(config.LogConfig{Level: level, Development: true})
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// openStore 按驱动打开存储，不执行自动迁移
func (o *globalOptions) openStore(ctx context.Context, log *zap.Logger) (storage.Store, error) {
	if o.dsn == "" {
		return nil, fmt.Errorf("--dsn is required")
	}

	switch o.driver {
	case "pgx":
		client, err := postgres.New(ctx, config.DatabaseConfig{Driver: o.driver, DSN: o.dsn}, log)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(client), nil
	case "mysql", "postgres":
		return sqlstore.NewStore(sqlstore.Options{Driver: o.driver, DSN: o.dsn})
	default:
		return nil, fmt.Errorf("unsupported driver %q", o.driver)
	}
}

func newEntitlementService(store storage.Store, log *zap.Logger) *service.EntitlementService {
	return service.NewEntitlementService(store, store, service.DefaultRetentionPolicy(), events.Nop{}, nil, log)
}
