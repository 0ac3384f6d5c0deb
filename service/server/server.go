package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/gatewatch/service/config"
	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Version is reported by GET /version. Overridden at build time with -ldflags.
var Version = "dev"

// Server is the HTTP API in front of the registry, ledger, aggregator and
// demo driver.
type Server struct {
	addr         string
	cfg          *config.Config
	registry     WalletRegistry
	ledger       ledger.Ledger
	analytics    Analytics
	demo         DemoRunner
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a server. ssePublisher and m are optional; without them the
// streaming and /metrics endpoints are not registered.
func New(
	addr string,
	cfg *config.Config,
	reg WalletRegistry,
	led ledger.Ledger,
	agg Analytics,
	runner DemoRunner,
	ssePublisher *SSEPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:         addr,
		cfg:          cfg,
		registry:     reg,
		ledger:       led,
		analytics:    agg,
		demo:         runner,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
	s.server = &http.Server{
		Addr:              addr,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	handle("POST /api/v1/wallets", "/api/v1/wallets", handleAddWallet(s.registry, s.logger))
	handle("DELETE /api/v1/wallets/{address}", "/api/v1/wallets/{address}", handleRemoveWallet(s.registry, s.logger))
	handle("GET /api/v1/wallets", "/api/v1/wallets", handleListWallets(s.registry))
	handle("GET /api/v1/transactions", "/api/v1/transactions", handleListTransactions(s.ledger, s.logger))

	handle("POST /api/v1/demo", "/api/v1/demo", handleStartDemo(s.demo, s.logger))
	handle("GET /api/v1/demo/status", "/api/v1/demo/status", handleDemoStatus(s.demo))

	trendBuckets := 0
	if s.cfg != nil {
		trendBuckets = s.cfg.TrendWindowBuckets
	}
	handle("GET /api/v1/analytics/overview", "/api/v1/analytics/overview", handleOverview(s.analytics, s.logger))
	handle("GET /api/v1/analytics/trends", "/api/v1/analytics/trends", handleTrends(s.analytics, trendBuckets, s.logger))
	handle("GET /api/v1/analytics/delivery-methods", "/api/v1/analytics/delivery-methods", handleDeliveryMethods(s.analytics, s.logger))
	handle("GET /api/v1/analytics/cost-comparison", "/api/v1/analytics/cost-comparison", handleCostComparison(s.analytics, s.logger))

	if s.ssePublisher != nil {
		stream := handleStreamTransactions(s.ssePublisher, s.metrics, s.logger)
		handle("GET /api/v1/stream/transactions/{address}", "/api/v1/stream/transactions/{address}", stream)
		handle("GET /api/v1/stream/transactions", "/api/v1/stream/transactions", stream)
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("NATS not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": Version}, http.StatusOK)
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	}).Handler(mux)
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server.Handler = s.Handler()
	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown disconnects stream clients and then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}
	return s.server.Shutdown(ctx)
}
