package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/handlers"
	"project-tracker-backend/pkg/services"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.withStore(ctx, func(ctx context.Context, db database.DatabaseInterface, svc *services.Services) error {
				router := handlers.NewRouter(handlers.RouterDeps{
					Config:   a.cfg,
					DB:       db,
					Services: svc,
					Logger:   a.logger,
				})
				srv := &http.Server{
					Addr:              ":" + a.cfg.Port,
					Handler:           router,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					a.logger.Info("http server listening", "addr", srv.Addr, "backend", db.Backend(), "environment", a.cfg.Environment)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
					close(errCh)
				}()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				a.logger.Info("http server shut down gracefully")
				return nil
			})
		},
	}
	cmd.Flags().String("port", "", "listen port (defaults to PORT)")
	_ = a.v.BindPFlag("PORT", cmd.Flags().Lookup("port"))
	return cmd
}
