package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"news-site-backend/pkg/config"
	"news-site-backend/pkg/database"
	"news-site-backend/pkg/logging"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				dsn, logger, err := loadMigrateConfig()
				if err != nil {
					return err
				}
				return migrateUp(cmd.Context(), dsn, logger)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				dsn, logger, err := loadMigrateConfig()
				if err != nil {
					return err
				}
				return withMigrator(cmd.Context(), dsn, func(mg *database.Migrator) error {
					if err := mg.Down(); err != nil {
						return err
					}
					logger.Info("rolled back one migration")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				dsn, _, err := loadMigrateConfig()
				if err != nil {
					return err
				}
				return withMigrator(cmd.Context(), dsn, func(mg *database.Migrator) error {
					st, err := mg.Status()
					if err != nil {
						return err
					}
					if !st.Applied {
						fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", st.Version, st.Dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

// loadMigrateConfig 迁移命令只需要 POSTGRES_DSN，不做完整的配置校验
func loadMigrateConfig() (string, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", nil, err
	}
	logger := logging.Setup(logging.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	if cfg.PostgresDSN == "" {
		return "", nil, errors.New("POSTGRES_DSN is required for migrations")
	}
	return cfg.PostgresDSN, logger, nil
}

func withMigrator(ctx context.Context, dsn string, fn func(mg *database.Migrator) error) error {
	store, err := database.NewPostgresStore(ctx, database.DatabaseConfig{PostgresDSN: dsn, MaxOpenConns: 2})
	if err != nil {
		return err
	}
	mg, err := database.NewMigrator(store.DB())
	if err != nil {
		store.Close()
		return err
	}
	// Close 同时关闭底层连接
	defer mg.Close()
	return fn(mg)
}

func migrateUp(ctx context.Context, dsn string, logger *slog.Logger) error {
	return withMigrator(ctx, dsn, func(mg *database.Migrator) error {
		applied, err := mg.Up()
		if err != nil {
			return err
		}
		if applied {
			logger.Info("database migrations applied")
		} else {
			logger.Info("database schema is up to date")
		}
		return nil
	})
}
