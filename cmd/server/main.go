package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/gatewatch/service/analytics"
	"github.com/brojonat/gatewatch/service/config"
	"github.com/brojonat/gatewatch/service/demo"
	"github.com/brojonat/gatewatch/service/gateway"
	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/metrics"
	"github.com/brojonat/gatewatch/service/monitor"
	natspkg "github.com/brojonat/gatewatch/service/nats"
	"github.com/brojonat/gatewatch/service/registry"
	"github.com/brojonat/gatewatch/service/server"
	"github.com/brojonat/gatewatch/service/solana"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"version", server.Version,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(nil)

	// Storage: Postgres when configured, otherwise everything lives in memory.
	var (
		led   ledger.Ledger
		store registry.Store
	)
	if cfg.DatabaseURL != "" {
		if err := ledger.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
			return err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		logger.Info("connected to database")
		led = ledger.NewPostgresLedger(pool)
		store = registry.NewPostgresStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger; data will not survive a restart")
		led = ledger.NewMemoryLedger()
		store = registry.NewMemoryStore()
	}

	// Change feed: every first-time append is published to JetStream.
	var ssePublisher *server.SSEPublisher
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		led = natspkg.NewPublishingLedger(led, publisher, logger)

		ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
	}

	solanaClient := solana.NewClient(solana.NewRPCClient(cfg.SolanaRPCURL), cfg.SolanaRPCRPS, m, logger)
	logger.Info("initialized solana RPC client", "url", cfg.SolanaRPCURL, "rps", cfg.SolanaRPCRPS)

	gatewayClient, err := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, m, logger)
	if err != nil {
		return err
	}

	reg := registry.New(store, registry.NewMonitorFactory(solanaClient, led, monitor.Config{
		PollInterval: cfg.PollInterval,
		MaxBackoff:   cfg.MaxPollBackoff,
		FetchLimit:   cfg.SignatureFetchLimit,
	}, m, logger), m, logger)
	defer reg.Close()

	restored, err := reg.Restore(ctx)
	if err != nil {
		return err
	}
	logger.Info("restored monitored wallets", "count", restored)

	agg := analytics.NewAggregator(led, cfg.AnalyticsCache, m, logger)

	var source demo.TransactionSource
	if cfg.DemoPayerAddress != "" {
		memo, err := demo.NewMemoSource(cfg.DemoPayerAddress, solanaClient)
		if err != nil {
			return err
		}
		source = memo
	} else {
		logger.Warn("DEMO_PAYER_ADDRESS not set, demo runs are disabled")
	}
	driver := demo.NewDriver(gatewayClient, source, led, gateway.DefaultOptions(), m, logger)
	defer driver.Close()

	httpServer := server.New(cfg.ServerAddr, cfg, reg, led, agg, driver, ssePublisher, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	// Deferred closes stop the demo run and join every wallet loop before the
	// ledger connections go away.
	return nil
}

// setupLogger creates a JSON logger at the given level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
