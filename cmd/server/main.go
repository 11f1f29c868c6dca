package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilab-dev/shadow-aaa/config"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/pilab-dev/shadow-aaa/internal/server"
	"github.com/pilab-dev/shadow-aaa/log"
	"github.com/pilab-dev/shadow-aaa/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var configFile string
	root := &cobra.Command{
		Use:          "aaa-server",
		Short:        "Account, authentication and directory sync server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml or /etc/shadow-aaa/config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("Server exited")
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	appLogger := log.Setup(cfg.LogLevel, cfg.LogPretty)
	appLogger.Info(ctx, "Starting shadow-aaa server", log.Fields{
		"http_port":       cfg.HTTPPort,
		"account_backend": cfg.AccountBackend,
		"store_backend":   cfg.StoreBackend,
		"log_level":       cfg.LogLevel,
		"otel_service":    cfg.OtelServiceName,
	})

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName, tracing.Options{})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(registry)

	app, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}

	httpServer := server.NewHTTPServer(cfg.HTTPPort, appLogger, app.API(), registry, app.Ready)
	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info(ctx, "HTTP server listening", log.Fields{"port": cfg.HTTPPort})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	jobsCtx, stopJobs := context.WithCancel(ctx)
	app.Scheduler.Start(jobsCtx)

	select {
	case <-ctx.Done():
		appLogger.Info(context.Background(), "Shutdown signal received")
	case err = <-serveErr:
		appLogger.Error(context.Background(), "HTTP server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopJobs()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", shutdownErr)
	}
	app.Scheduler.Wait()
	app.Close(shutdownCtx)
	if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.Error(shutdownCtx, "TracerProvider shutdown error", shutdownErr)
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped")
	return err
}
