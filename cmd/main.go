package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"octopusspain/internal/api"
	"octopusspain/internal/config"
	"octopusspain/internal/coordinator"
	"octopusspain/internal/integration"
	"octopusspain/internal/kraken"
	"octopusspain/pkg/plugin"

	// Sinks register themselves with the plugin registry.
	_ "octopusspain/internal/kafkasink"
	_ "octopusspain/internal/metrics"
	_ "octopusspain/internal/mqtt"
)

const setupRetryInterval = 30 * time.Second

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(os.Getenv(config.EnvConfigFile), logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting Octopus Spain bridge",
		zap.String("endpoint", cfg.Octopus.GraphQLURL),
		zap.String("email", cfg.Octopus.Email))

	client := kraken.NewClient(cfg.Octopus.GraphQLURL, logger,
		kraken.WithTimeout(time.Duration(cfg.Octopus.Timeout)),
		kraken.WithRateLimit(cfg.Octopus.RequestsPerSecond, 2),
	)

	integ := integration.New(client, integration.Config{
		Email:    cfg.Octopus.Email,
		Password: cfg.Octopus.Password,
		Coordinator: coordinator.Config{
			DevicesInterval: time.Duration(cfg.Refresh.Devices),
			BillingInterval: time.Duration(cfg.Refresh.Billing),
			PassTimeout:     time.Duration(cfg.Refresh.PassTimeout),
		},
	}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The API serves health and a not_ready status while setup is retried.
	server := api.NewServer(integ, logger, api.Options{
		Port:     cfg.HTTP.Port,
		Gzip:     cfg.HTTP.Gzip,
		Gatherer: registry,
	})
	if err := server.Start(); err != nil {
		return err
	}

	if err := setup(ctx, integ, logger); err != nil {
		stopErr := server.Stop()
		if errors.Is(err, context.Canceled) {
			return stopErr
		}
		return multierr.Append(err, stopErr)
	}
	defer integ.Unload()

	plugin.SetLogger(logger)
	plugins, err := plugin.CreateAll(plugin.NewContext(integ, logger, cfg, registry))
	if err != nil {
		return multierr.Append(fmt.Errorf("create plugins: %w", err), server.Stop())
	}
	if err := plugin.StartAll(ctx, plugins); err != nil {
		return multierr.Append(err, server.Stop())
	}
	logger.Info("Plugins started", zap.Int("count", len(plugins)))

	logger.Info("Application running. Press Ctrl+C to exit.")
	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	return multierr.Combine(
		server.Stop(),
		plugin.StopAll(plugins),
	)
}

// setup retries transient failures until the first refresh succeeds.
// Rejected credentials end the process since retrying cannot fix them.
func setup(ctx context.Context, integ *integration.Integration, logger *zap.Logger) error {
	for {
		err := integ.Setup(ctx)
		if err == nil {
			return nil
		}
		if kraken.IsAuthError(err) || errors.Is(err, integration.ErrMissingCredentials) {
			return fmt.Errorf("setup: %w", err)
		}

		logger.Warn("Setup failed, retrying",
			zap.Duration("retry_in", setupRetryInterval),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(setupRetryInterval):
		}
	}
}
