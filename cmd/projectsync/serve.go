package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/projectsync/pkg/api"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker, the sync scheduler and the operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closer, err := setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := app.Migrate(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:        cfg.HTTP.Addr,
				Handler:     api.New(app, logger).Router(),
				ReadTimeout: cfg.HTTP.ReadTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return app.Start(gctx)
			})
			g.Go(func() error {
				logger.Info("api listening", "addr", cfg.HTTP.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			logger.Info("projectsync stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
