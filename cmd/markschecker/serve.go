package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maltedev/markschecker/internal/api"
)

func serveCMD() *cobra.Command {
	var port int

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			a.startRelay(ctx)

			routerCfg := api.RouterConfig{
				AllowedOrigins: cfg.Server.AllowedOrigins,
				RequestTimeout: cfg.Server.WriteTimeout,
			}
			if a.relay != nil {
				routerCfg.Outbox = a.relay
			}

			server := &http.Server{
				Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				Handler:      api.NewRouter(api.NewHandlers(a.manager, logger), routerCfg, logger),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.ReadTimeout * 4,
			}

			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
				<-sigChan

				logger.Info("shutting down server...")
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer shutdownCancel()

				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown failed", "error", err)
				}
			}()

			logger.Info("server starting",
				"addr", server.Addr,
				"store", cfg.Store.Driver,
				"browser", cfg.Browser.Enabled,
				"chunk_size", cfg.Checker.ChunkSize,
				"max_workers", cfg.Checker.MaxWorkers)

			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server failed: %w", err)
			}

			logger.Info("server stopped")
			return nil
		},
	}
	serve.Flags().IntVar(&port, "port", 8080, "listen port (overrides PORT)")

	return serve
}
