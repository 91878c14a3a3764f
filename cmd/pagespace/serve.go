package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/2witstudios/pagespace/internal/auth"
	"github.com/2witstudios/pagespace/internal/config"
	"github.com/2witstudios/pagespace/internal/gateway"
	"github.com/2witstudios/pagespace/internal/mcp"
	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/internal/quota"
	"github.com/2witstudios/pagespace/internal/ratelimit"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/internal/usage"
)

const tokenExpiry = 24 * time.Hour

// buildServeCmd creates the "serve" command, the production entry point.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pagespace chat server",
		Long: `Start the pagespace chat server.

The server loads configuration, connects to Postgres (or falls back to the
in-memory store when no DSN is configured), and serves the chat, settings,
and agent bridge endpoints. Graceful shutdown runs on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  pagespace serve

  # Start with a custom config
  pagespace serve --config /etc/pagespace/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("PAGESPACE_JWT_SECRET")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set PAGESPACE_JWT_SECRET)")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	stores, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	usageHub := gateway.NewUsageHub()

	server := gateway.NewServer(gateway.ServerDeps{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Stores:   stores,
		Resolver: gateway.NewResolver(cfg, stores.Settings),
		Gate: quota.NewGate(stores.Quotas, quota.Config{
			StandardLimit: cfg.Quota.StandardLimit,
			PremiumLimit:  cfg.Quota.PremiumLimit,
			PremiumModels: cfg.Quota.PremiumModels,
		}, usageHub, metrics),
		Tracker: usage.NewTracker(stores.Usage),
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.Chat.RequestsPerSecond,
			BurstSize:         cfg.Chat.Burst,
			Enabled:           true,
		}),
		Registry:   mcp.NewRegistry(metrics),
		Authorizer: auth.NewOwnerAuthorizer(stores.Pages),
		JWT:        auth.NewJWTService(cfg.Auth.JWTSecret, tokenExpiry),
		UsageHub:   usageHub,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStores selects Postgres when a DSN is configured, otherwise the
// in-memory store for local development.
func openStores(cfg *config.Config, logger *observability.Logger) (storage.StoreSet, error) {
	if cfg.Database.DSN == "" {
		logger.Warn(context.Background(), "no database dsn configured, using in-memory store")
		return storage.NewMemoryStores(), nil
	}
	return storage.NewPostgresStoresFromDSN(cfg.Database.DSN, nil)
}
