package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatewatch"

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Solana RPC
	rpcCallsTotal        *prometheus.CounterVec
	rpcCallDuration      *prometheus.HistogramVec
	rpcRateLimitHits     prometheus.Counter
	rpcRetries           *prometheus.CounterVec
	rpcSignaturesPerCall prometheus.Histogram

	// Wallet monitors
	transactionsDiscovered *prometheus.CounterVec
	transactionsAppended   *prometheus.CounterVec
	transactionsDuplicate  *prometheus.CounterVec
	transactionsMalformed  *prometheus.CounterVec
	pollDuration           *prometheus.HistogramVec
	walletStatus           *prometheus.GaugeVec
	monitoredWallets       prometheus.Gauge

	// Gateway
	gatewaySubmissions        *prometheus.CounterVec
	gatewaySubmissionDuration *prometheus.HistogramVec

	// Demo driver
	demoRunsTotal *prometheus.CounterVec
	demoProgress  prometheus.Gauge
	demoTotal     prometheus.Gauge

	// Analytics
	analyticsCache           *prometheus.CounterVec
	analyticsComputeDuration *prometheus.HistogramVec

	// HTTP
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   prometheus.Histogram
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solana_rpc_calls_total",
				Help:      "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solana_rpc_call_duration_seconds",
				Help:      "Duration of Solana RPC calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		rpcRateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solana_rpc_rate_limit_hits_total",
				Help:      "Total number of Solana RPC rate limit responses (429)",
			},
		),
		rpcRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solana_rpc_retries_total",
				Help:      "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		rpcSignaturesPerCall: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solana_rpc_signatures_per_call",
				Help:      "Number of signatures returned per getSignaturesForAddress call",
				Buckets:   []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
		),

		transactionsDiscovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_discovered_total",
				Help:      "Transactions discovered on-chain per monitored wallet",
			},
			[]string{"wallet_address"},
		),
		transactionsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_appended_total",
				Help:      "Transactions appended to the ledger by origin and delivery method",
			},
			[]string{"origin", "delivery_method"},
		),
		transactionsDuplicate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_duplicate_total",
				Help:      "Appends ignored because the signature was already in the ledger",
			},
			[]string{"origin"},
		),
		transactionsMalformed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_malformed_total",
				Help:      "Transactions skipped because they could not be classified",
			},
			[]string{"wallet_address"},
		),
		pollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wallet_poll_duration_seconds",
				Help:      "Duration of one wallet monitor poll in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		walletStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wallet_monitor_status",
				Help:      "1 for the current status of each wallet monitor, 0 otherwise",
			},
			[]string{"wallet_address", "status"},
		),
		monitoredWallets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "monitored_wallets",
				Help:      "Number of wallets currently registered for monitoring",
			},
		),

		gatewaySubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_submissions_total",
				Help:      "Gateway sendTransaction calls by outcome and delivery method",
			},
			[]string{"outcome", "delivery_method"},
		),
		gatewaySubmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_submission_duration_seconds",
				Help:      "Latency of Gateway sendTransaction calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),

		demoRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "demo_runs_total",
				Help:      "Demo runs by how they ended",
			},
			[]string{"result"},
		),
		demoProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "demo_progress",
				Help:      "Attempts completed by the current or last demo run",
			},
		),
		demoTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "demo_total",
				Help:      "Attempts requested by the current or last demo run",
			},
		),

		analyticsCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analytics_cache_lookups_total",
				Help:      "Analytics snapshot cache lookups by result (hit or miss)",
			},
			[]string{"result"},
		),
		analyticsComputeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analytics_compute_duration_seconds",
				Help:      "Time spent computing analytics views in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"view"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sse_active_connections",
				Help:      "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sse_events_sent_total",
				Help:      "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nats_messages_published_total",
				Help:      "Total number of NATS messages published",
			},
			[]string{"status"},
		),
		natsPublishDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "nats_publish_duration_seconds",
				Help:      "Duration of NATS publish operations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(method, status).Inc()
	m.rpcCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit() {
	if m == nil {
		return
	}
	m.rpcRateLimitHits.Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	if m == nil {
		return
	}
	m.rpcRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(count int) {
	if m == nil {
		return
	}
	m.rpcSignaturesPerCall.Observe(float64(count))
}

// Wallet monitor metric helpers

// RecordTransactionsDiscovered records new signatures found for a wallet.
func (m *Metrics) RecordTransactionsDiscovered(walletAddress string, count int) {
	if m == nil {
		return
	}
	m.transactionsDiscovered.WithLabelValues(walletAddress).Add(float64(count))
}

// RecordAppend records the outcome of a ledger append.
func (m *Metrics) RecordAppend(origin, deliveryMethod string, inserted bool) {
	if m == nil {
		return
	}
	if inserted {
		m.transactionsAppended.WithLabelValues(origin, deliveryMethod).Inc()
		return
	}
	m.transactionsDuplicate.WithLabelValues(origin).Inc()
}

// RecordMalformed records a transaction skipped by the classifier.
func (m *Metrics) RecordMalformed(walletAddress string) {
	if m == nil {
		return
	}
	m.transactionsMalformed.WithLabelValues(walletAddress).Inc()
}

// RecordPoll records the duration of one monitor iteration.
func (m *Metrics) RecordPoll(status string, duration float64) {
	if m == nil {
		return
	}
	m.pollDuration.WithLabelValues(status).Observe(duration)
}

var walletStatuses = []string{"starting", "active", "error", "stopped"}

// SetWalletStatus marks status as the current state of the wallet's monitor.
func (m *Metrics) SetWalletStatus(walletAddress, status string) {
	if m == nil {
		return
	}
	for _, s := range walletStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.walletStatus.WithLabelValues(walletAddress, s).Set(v)
	}
}

// ForgetWallet drops the per-wallet status series once a wallet is removed.
func (m *Metrics) ForgetWallet(walletAddress string) {
	if m == nil {
		return
	}
	m.walletStatus.DeletePartialMatch(prometheus.Labels{"wallet_address": walletAddress})
}

// SetMonitoredWallets records the size of the registry.
func (m *Metrics) SetMonitoredWallets(n int) {
	if m == nil {
		return
	}
	m.monitoredWallets.Set(float64(n))
}

// Gateway metric helpers

// RecordGatewaySubmission records one sendTransaction call.
func (m *Metrics) RecordGatewaySubmission(outcome, deliveryMethod string, duration float64) {
	if m == nil {
		return
	}
	m.gatewaySubmissions.WithLabelValues(outcome, deliveryMethod).Inc()
	m.gatewaySubmissionDuration.WithLabelValues(outcome).Observe(duration)
}

// Demo metric helpers

// SetDemoProgress records progress of the current demo run.
func (m *Metrics) SetDemoProgress(progress, total int) {
	if m == nil {
		return
	}
	m.demoProgress.Set(float64(progress))
	m.demoTotal.Set(float64(total))
}

// RecordDemoRun records a finished demo run.
func (m *Metrics) RecordDemoRun(result string) {
	if m == nil {
		return
	}
	m.demoRunsTotal.WithLabelValues(result).Inc()
}

// Analytics metric helpers

// RecordCacheLookup records an analytics cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.analyticsCache.WithLabelValues(result).Inc()
}

// RecordAnalyticsCompute records how long a view took to compute.
func (m *Metrics) RecordAnalyticsCompute(view string, duration float64) {
	if m == nil {
		return
	}
	m.analyticsComputeDuration.WithLabelValues(view).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(status).Inc()
	m.natsPublishDuration.Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
