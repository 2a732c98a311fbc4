package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-federator/internal/api"
	"github.com/miradorstack/mirador-federator/internal/engine"
	"github.com/miradorstack/mirador-federator/internal/metrics"
	"github.com/miradorstack/mirador-federator/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gRPC and HTTP federation servers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	logger.Info("starting mirador-federator",
		slog.String("address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("registry", cfg.Registry.Path),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	rt, err := engine.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close", slog.Any("error", err))
		}
	}()
	if err := rt.Start(ctx); err != nil {
		return err
	}

	service := services.NewFromRuntime(rt)

	server, err := api.NewServer(cfg.Server, service)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddress,
			Handler:           api.NewHTTPHandler(service, logger, cfg.Server.CORSOrigins).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("grpc server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()

	// Closing the hub ends open alert streams so GracefulStop is not held up by them.
	rt.Alerts.Close()
	server.Shutdown(shutdownCtx)

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
	}

	logger.Info("mirador-federator stopped")
	return nil
}
