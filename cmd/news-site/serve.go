package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"news-site-backend/api"
	"news-site-backend/pkg/sweeper"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			if migrateFirst && !cfg.UseMemoryDB {
				if err := migrateUp(ctx, cfg.PostgresDSN, logger); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()

			router := api.NewRouter(api.Deps{
				Config:     cfg,
				Logger:     logger,
				Store:      a.store,
				JWT:        a.jwt,
				Registry:   a.registry,
				Ledger:     a.ledger,
				Initiator:  a.initiator,
				Reconciler: a.reconciler,
				Pins:       a.pins,
				Sweeps:     a.sweeper,
				Metrics:    promhttp.Handler(),
			})
			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("http server listening", "addr", srv.Addr, "environment", cfg.Environment)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
				defer cancel()
				logger.Info("shutting down http server")
				return srv.Shutdown(shutdownCtx)
			})

			if cfg.SchedulerEnabled {
				scheduler, err := sweeper.NewScheduler(a.sweeper, sweeper.Schedules{
					Expiry:    cfg.ExpirySchedule,
					Reminders: cfg.ReminderSchedule,
					Retention: cfg.RetentionSchedule,
					Webhooks:  cfg.WebhookRetrySchedule,
				}, logger)
				if err != nil {
					return err
				}
				g.Go(func() error {
					return scheduler.Run(ctx)
				})
			}

			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", true, "apply pending migrations before serving")
	return cmd
}
