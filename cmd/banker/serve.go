package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/aml"
	"github.com/next-trace/scg-banker/config"
	"github.com/next-trace/scg-banker/core"
	"github.com/next-trace/scg-banker/database"
	"github.com/next-trace/scg-banker/logging"
	"github.com/next-trace/scg-banker/metrics"
	"github.com/next-trace/scg-banker/router"
	"github.com/next-trace/scg-banker/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the withdrawal router until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync may fail on some platforms

	logger.Info("starting banker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("driver", cfg.System.Driver))

	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}

	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promReg)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	checker, closeAML := buildAML(cfg)
	defer closeAML()

	table, err := loadTable(cfg.RoutingTableFile)
	if err != nil {
		return err
	}

	db := database.NewManager(logger)
	if err := db.AddConnection(cfg.Database.Name, cfg.Database.Driver, cfg.Database.DSN); err != nil {
		return err
	}

	svc := core.New(core.Deps{
		DB:       db,
		Backends: busBackends(cfg, table, logger),
		AML:      checker,
		Logger:   logger,
		RouterOptions: []router.Option{
			router.WithTable(table),
			router.WithOutboundBackend(cfg.OutboundBackend),
			router.WithRecorder(collector),
			router.WithPropagator(tracing.NewPropagator()),
		},
	})

	startErr := svc.Start(ctx)
	if startErr == nil {
		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		select {
		case <-sigCtx.Done():
			logger.Info("shutting down")
		case <-svc.Done():
			logger.Error("delivery stopped unexpectedly", zap.Error(svc.Err()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	shutdownErr := svc.Shutdown(shutdownCtx)
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}

	if startErr != nil {
		return errors.Join(startErr, shutdownErr)
	}

	logger.Info("banker stopped")

	return errors.Join(svc.Err(), shutdownErr)
}

// buildAML assembles the configured screening rules. The returned func
// releases the blocklist connection, if any.
func buildAML(cfg *config.Config) (aml.Checker, func()) { //nolint:ireturn
	checkers := []aml.Checker{aml.AmountLimit{Max: cfg.AML.MaxAmount, Field: cfg.AML.AmountField}}

	if cfg.AML.BlocklistAddr == "" {
		return aml.Chain(checkers...), func() {}
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.AML.BlocklistAddr,
		Password: cfg.AML.BlocklistPassword,
	})
	checkers = append(checkers, aml.NewBlocklist(client, cfg.AML.BlocklistKey, cfg.AML.BlocklistFields...))

	return aml.Chain(checkers...), func() { _ = client.Close() }
}

func loadTable(path string) (*router.Table, error) {
	if path == "" {
		return router.DefaultTable(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return router.LoadTable(f)
}
