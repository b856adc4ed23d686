package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marketplace/payments/config"
	"github.com/marketplace/payments/internal/adapters/postgres"
	"github.com/marketplace/payments/internal/handlers"
	"github.com/marketplace/payments/internal/platform/logging"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the reconciliation scanner and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			router := handlers.SetupRouter(handlers.RouterConfig{
				GinMode:      cfg.Server.GinMode,
				ServiceToken: cfg.Server.ServiceToken,
				Log:          a.log,
				Payments:     handlers.NewPaymentHandler(a.checkout, a.settlement, a.store, a.log),
				Webhooks:     handlers.NewWebhookHandler(a.webhooks, a.log),
				Entitlements: handlers.NewEntitlementHandler(a.entitlements, a.log),
				Owners:       handlers.NewOwnerHandler(a.owners, a.log),
				Health:       a.store,
			})
			srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info("server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				a.log.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.reconciler.Run(gctx) })
			if a.relay != nil {
				g.Go(func() error { return a.relay.Run(gctx) })
			}
			return g.Wait()
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.reconciler.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.Database.URL == "" {
				return errors.New("DATABASE_URL is required")
			}
			steps, _ := cmd.Flags().GetInt("steps")
			return postgres.Migrate(logging.New(cfg.LogLevel), cfg.Database.URL, steps)
		},
	}

	cmd.Flags().IntP("steps", "n", 0, "Steps to migrate; negative rolls back, zero applies all")

	return cmd
}
