// Package main is the entry point for the listflow workflow service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/app"
	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/internal/observability"
	"github.com/pitabwire/listflow/internal/openapi"
	"github.com/pitabwire/listflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "listflowd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	components, err := app.Build(ctx, cfg, logger, app.Options{Metrics: metrics})
	if err != nil {
		logger.Error("dependency initialization failed", zap.Error(err))
		return 1
	}
	defer components.Close()

	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger.Named("auth"))
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	apiDoc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("API document invalid", zap.Error(err))
		return 1
	}

	var tickets transport.TicketLookup
	if components.Dispatcher != nil {
		tickets = components.Dispatcher
	}

	deps := transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Handlers:     transport.NewHandlers(components.Engine, tickets, logger.Named("http")),
		Authenticate: authenticate,
		APIDocument:  apiDoc,
		Readiness:    components.Readiness,
	}
	if metrics != nil {
		deps.Metrics = metrics
		deps.MetricsPath = cfg.Observability.Metrics.Path
		deps.MetricsPage = observability.Handler(prometheus.DefaultGatherer)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("directory", cfg.Directory.Source),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Drain HTTP first so no new advance lands on a closed dispatcher.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	components.Close()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}
