package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/http/rest"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the download API and sweep stale partial files periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, state, run)
		},
	}
}

func run(ctx context.Context, a *app) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, a)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", a.cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		setupCleanup(ctx, a)

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for requests...",
		"models_dir", a.cfg.ModelsDir,
		"manifest", a.cfg.ManifestPath,
		"cleanup_interval", a.cfg.CleanupInterval.String(),
	)

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app) *http.Server {
	handler := rest.NewModelHandler(
		a.cfg.API.Username,
		a.cfg.API.Password,
		a.downloader,
		a.downloader,
		a.runner,
		a.history,
	)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(a.telemetry).Middleware)

	r.Handle("/metrics", a.telemetry.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// setupCleanup removes stale partial files until ctx ends.
func setupCleanup(ctx context.Context, a *app) {
	logger := logctx.LoggerFromContext(ctx)

	interval := a.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	cleanupTicker := time.NewTicker(interval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			removed, err := cleanup.RemoveStalePartials(ctx, a.fs, a.cfg.StalePartAge)
			if err != nil {
				logger.Error("failed to remove stale partial files", "err", err)

				continue
			}

			if len(removed) > 0 {
				logger.Info("removed stale partial files", "count", len(removed))
			}
		}
	}
}
