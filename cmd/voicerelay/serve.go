package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicerelay/internal/app"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var janitorInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(runCtx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					logger.Error("cleanup failed", "err", err)
				}
			}()

			built.Sessions.StartJanitor(runCtx, janitorInterval)

			// Relay sockets derive from runCtx, so a shutdown signal ends live calls.
			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           built.API.Router(),
				BaseContext:       func(net.Listener) context.Context { return runCtx },
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				logger.Info("relay server starting",
					"addr", cfg.BindAddr,
					"llm_provider", cfg.LLMProvider,
					"journal", cfg.DatabaseDriver(),
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down relay server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("graceful shutdown failed", "err", err)
					_ = httpServer.Close()
				}
				// Hijacked relay sockets outlive Shutdown; let their journals flush before Cleanup.
				if err := built.Engine.Drain(shutdownCtx); err != nil {
					logger.Warn("journal writes still pending at exit", "err", err)
				}
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&janitorInterval, "janitor-interval", 5*time.Second, "How often closed sessions are pruned from the registry")
	return cmd
}
