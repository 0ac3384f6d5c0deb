package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/gatewatch/service/analytics"
	"github.com/brojonat/gatewatch/service/config"
	"github.com/brojonat/gatewatch/service/demo"
	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/monitor"
	"github.com/brojonat/gatewatch/service/registry"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type idleRunner struct{}

func (idleRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// fakeDemo validates like the real driver and answers Start with err when set.
type fakeDemo struct {
	mu         sync.Mutex
	err        error
	count      int
	intervalMs int
	status     demo.Status
}

func (f *fakeDemo) Start(count, intervalMs int) (*demo.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count, f.intervalMs = count, intervalMs
	if err := demo.ValidateParams(count, intervalMs); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &demo.StartResult{
		Accepted:                 true,
		RunID:                    "run-1",
		Count:                    count,
		IntervalMs:               intervalMs,
		EstimatedDurationSeconds: float64(count*intervalMs) / 1000,
	}, nil
}

func (f *fakeDemo) Status() demo.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeDemo) set(err error, status demo.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err, f.status = err, status
}

func (f *fakeDemo) lastParams() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.intervalMs
}

type failingAnalytics struct{}

func (failingAnalytics) Overview(ctx context.Context, f analytics.Filter) (*analytics.Snapshot, error) {
	return nil, errors.New("ledger unavailable")
}

func (failingAnalytics) Trends(ctx context.Context, q analytics.TrendQuery) (*analytics.TrendSeries, error) {
	return nil, errors.New("ledger unavailable")
}

func (failingAnalytics) DeliveryMethodBreakdown(ctx context.Context, f analytics.Filter) (*analytics.Breakdown, error) {
	return nil, errors.New("ledger unavailable")
}

func (failingAnalytics) CostComparison(ctx context.Context, f analytics.Filter) (*analytics.CostComparison, error) {
	return nil, errors.New("ledger unavailable")
}

type testEnv struct {
	ts     *httptest.Server
	reg    *registry.Registry
	ledger *ledger.MemoryLedger
	demo   *fakeDemo
}

func newTestEnv(t *testing.T, agg Analytics) *testEnv {
	t.Helper()
	logger := quietLogger()

	reg := registry.New(nil, func(address string, report monitor.StatusReporter) (registry.Runner, error) {
		return idleRunner{}, nil
	}, nil, logger)
	t.Cleanup(reg.Close)

	led := ledger.NewMemoryLedger()
	if agg == nil {
		agg = analytics.NewAggregator(led, true, nil, logger)
	}
	fd := &fakeDemo{}

	srv := New(":0", &config.Config{TrendWindowBuckets: 12}, reg, led, agg, fd, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, reg: reg, ledger: led, demo: fd}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func testAddress(n byte) string {
	return solanago.PublicKey{n, 0x11, 0x22}.String()
}

func TestWallets_AddListRemove(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := testAddress(1)

	status, body := env.do(t, http.MethodPost, "/api/v1/wallets", `{"address":"`+addr+`"}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["already_monitored"])
	wallet := body["wallet"].(map[string]any)
	assert.Equal(t, addr, wallet["address"])
	assert.Equal(t, "starting", wallet["status"])

	status, body = env.do(t, http.MethodPost, "/api/v1/wallets", `{"address":"`+addr+`"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["already_monitored"])

	status, body = env.do(t, http.MethodGet, "/api/v1/wallets", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = env.do(t, http.MethodDelete, "/api/v1/wallets/"+addr, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, env.reg.Len())

	status, body = env.do(t, http.MethodDelete, "/api/v1/wallets/"+addr, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "wallet not monitored", body["error"])
}

func TestWallets_ListPreservesOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, n := range []byte{3, 1, 2} {
		status, _ := env.do(t, http.MethodPost, "/api/v1/wallets", `{"address":"`+testAddress(n)+`"}`)
		require.Equal(t, http.StatusCreated, status)
	}

	_, body := env.do(t, http.MethodGet, "/api/v1/wallets", "")
	wallets := body["wallets"].([]any)
	require.Len(t, wallets, 3)
	for i, n := range []byte{3, 1, 2} {
		assert.Equal(t, testAddress(n), wallets[i].(map[string]any)["address"])
	}
}

func TestWallets_BadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		errMsg string
	}{
		{"malformed JSON", http.MethodPost, "/api/v1/wallets", `{"address":`, "invalid request body"},
		{"empty object", http.MethodPost, "/api/v1/wallets", `{}`, "address is required"},
		{"blank address", http.MethodPost, "/api/v1/wallets", `{"address":"   "}`, "address is required"},
		{"not base58", http.MethodPost, "/api/v1/wallets", `{"address":"0OIl"}`, "invalid wallet address"},
		{"wrong length", http.MethodPost, "/api/v1/wallets", `{"address":"1111"}`, "invalid wallet address"},
		{"delete invalid", http.MethodDelete, "/api/v1/wallets/not-an-address", "", "invalid wallet address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, body["error"], tt.errMsg)
		})
	}
	assert.Equal(t, 0, env.reg.Len())
}

func TestWallets_BodyTooLarge(t *testing.T) {
	reg := registry.New(nil, func(address string, report monitor.StatusReporter) (registry.Runner, error) {
		return idleRunner{}, nil
	}, nil, quietLogger())
	t.Cleanup(reg.Close)

	body := `{"address":"` + strings.Repeat("A", 2<<20) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallets", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handleAddWallet(reg, quietLogger()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body too large")
}

// removeResult answers Remove with a fixed outcome.
type removeResult struct {
	removed bool
	err     error
}

func (r *removeResult) Add(ctx context.Context, address string) (registry.AddResult, error) {
	return registry.AddResult{}, nil
}

func (r *removeResult) List() []registry.MonitoredWallet { return nil }

func (r *removeResult) Remove(ctx context.Context, address string) (bool, error) {
	return r.removed, r.err
}

func TestWallets_RemoveOutcomes(t *testing.T) {
	addr := testAddress(3)
	cases := []struct {
		name    string
		removed bool
		err     error
		status  int
	}{
		{"stopped", true, nil, http.StatusOK},
		{"stopped but row kept", true, errors.New("delete stored wallet: connection reset"), http.StatusOK},
		{"not monitored", false, nil, http.StatusNotFound},
		{"failed", false, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := &removeResult{removed: tc.removed, err: tc.err}
			req := httptest.NewRequest(http.MethodDelete, "/api/v1/wallets/"+addr, nil)
			req.SetPathValue("address", addr)
			rec := httptest.NewRecorder()
			handleRemoveWallet(reg, quietLogger()).ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func appendRecord(t *testing.T, led ledger.Ledger, sig string, origin ledger.Origin, ts time.Time) {
	t.Helper()
	rec := ledger.TransactionMetadata{
		Signature:      sig,
		DeliveryMethod: ledger.DeliveryRPC,
		CostLamports:   5000,
		Success:        true,
		Timestamp:      ts,
		Origin:         origin,
	}
	if origin == ledger.OriginWallet {
		w := testAddress(9)
		rec.OriginWallet = &w
	}
	_, err := led.Append(context.Background(), rec)
	require.NoError(t, err)
}

func TestTransactions_List(t *testing.T) {
	env := newTestEnv(t, nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	appendRecord(t, env.ledger, "w1", ledger.OriginWallet, base)
	appendRecord(t, env.ledger, "w2", ledger.OriginWallet, base.Add(time.Hour))
	appendRecord(t, env.ledger, "d1", ledger.OriginDemo, base.Add(2*time.Hour))

	status, body := env.do(t, http.MethodGet, "/api/v1/transactions", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["count"])
	first := body["transactions"].([]any)[0].(map[string]any)
	assert.Equal(t, "d1", first["signature"])
	assert.Equal(t, "demo", first["origin"])

	_, body = env.do(t, http.MethodGet, "/api/v1/transactions?origin=wallet&limit=1", "")
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "w2", body["transactions"].([]any)[0].(map[string]any)["signature"])

	_, body = env.do(t, http.MethodGet, "/api/v1/transactions?wallet="+testAddress(9), "")
	assert.Equal(t, float64(2), body["count"])

	_, body = env.do(t, http.MethodGet, "/api/v1/transactions?since=2025-01-01T00:30:00Z&until=2025-01-01T01:30:00Z", "")
	assert.Equal(t, float64(1), body["count"])
}

func TestTransactions_BadQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, q := range []string{
		"limit=0",
		"limit=1001",
		"limit=abc",
		"origin=martian",
		"since=yesterday",
		"wallet=nope",
		"since=2025-01-02T00:00:00Z&until=2025-01-01T00:00:00Z",
	} {
		status, _ := env.do(t, http.MethodGet, "/api/v1/transactions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, status, q)
	}
}

func TestDemo_StartDefaults(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/v1/demo", "")
	assert.Equal(t, http.StatusAccepted, status)
	count, interval := env.demo.lastParams()
	assert.Equal(t, 10, count)
	assert.Equal(t, 3000, interval)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, float64(30), body["estimated_duration_seconds"])

	status, body = env.do(t, http.MethodPost, "/api/v1/demo", `{"count":5,"interval":1000}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, float64(5), body["count"])
	assert.Equal(t, float64(1000), body["interval_ms"])
	assert.Equal(t, float64(5), body["estimated_duration_seconds"])
}

func TestDemo_StartErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{"count":0}`, `{"count":51}`, `{"interval":500}`, `{"interval":20000}`, `{"count":"ten"}`} {
		status, _ := env.do(t, http.MethodPost, "/api/v1/demo", body)
		assert.Equal(t, http.StatusBadRequest, status, body)
	}

	env.demo.set(&demo.AlreadyRunningError{RunID: "run-0", Progress: 2, Total: 5}, demo.Status{})
	status, body := env.do(t, http.MethodPost, "/api/v1/demo", `{"count":3}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, float64(2), body["progress"])
	assert.Equal(t, float64(5), body["total"])

	env.demo.set(demo.ErrNotConfigured, demo.Status{})
	status, _ = env.do(t, http.MethodPost, "/api/v1/demo", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestDemo_Status(t *testing.T) {
	env := newTestEnv(t, nil)
	env.demo.set(nil, demo.Status{IsRunning: true, Progress: 1, Total: 4, Percentage: 25})

	status, body := env.do(t, http.MethodGet, "/api/v1/demo/status", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_running"])
	assert.Equal(t, float64(1), body["progress"])
	assert.Equal(t, float64(4), body["total"])
	assert.Equal(t, float64(25), body["percentage"])
}

func TestAnalytics_Endpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/api/v1/analytics/overview", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["total_transactions"])
	assert.Equal(t, float64(0), body["success_rate"])
	assert.Equal(t, float64(0), body["success_ratio"])
	assert.Equal(t, false, body["has_data"])

	appendRecord(t, env.ledger, "d1", ledger.OriginDemo, time.Now().UTC())
	appendRecord(t, env.ledger, "w1", ledger.OriginWallet, time.Now().UTC())

	_, body = env.do(t, http.MethodGet, "/api/v1/analytics/overview?origin=demo", "")
	assert.Equal(t, float64(1), body["total_transactions"])

	_, body = env.do(t, http.MethodGet, "/api/v1/analytics/trends", "")
	assert.Len(t, body["points"], 12)
	assert.Equal(t, "hour", body["bucket"])

	_, body = env.do(t, http.MethodGet, "/api/v1/analytics/trends?metric=cost_sol&bucket=minute", "")
	assert.Len(t, body["points"], 60)

	_, body = env.do(t, http.MethodGet, "/api/v1/analytics/trends?bucket=day&buckets=7", "")
	assert.Len(t, body["points"], 7)

	status, body = env.do(t, http.MethodGet, "/api/v1/analytics/delivery-methods", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["methods"], len(ledger.AllDeliveryMethods()))

	status, body = env.do(t, http.MethodGet, "/api/v1/analytics/cost-comparison", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rpc", body["cheapest_method"])
}

func TestAnalytics_BadQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{
		"/api/v1/analytics/overview?origin=nope",
		"/api/v1/analytics/trends?metric=volume",
		"/api/v1/analytics/trends?bucket=week",
		"/api/v1/analytics/trends?buckets=-1",
		"/api/v1/analytics/trends?buckets=501",
	} {
		status, body := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, status, path)
		assert.NotEmpty(t, body["error"], path)
	}
}

func TestAnalytics_FailuresAreServerErrors(t *testing.T) {
	env := newTestEnv(t, failingAnalytics{})
	for _, path := range []string{
		"/api/v1/analytics/overview",
		"/api/v1/analytics/trends",
		"/api/v1/analytics/delivery-methods",
		"/api/v1/analytics/cost-comparison",
	} {
		status, body := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusInternalServerError, status, path)
		assert.NotEmpty(t, body["error"], path)
	}
}

func TestHealthVersionAndCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(b))

	status, body := env.do(t, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, Version, body["version"])

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/v1/wallets", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamSubject(t *testing.T) {
	subj, err := streamSubject("")
	require.NoError(t, err)
	assert.Equal(t, "txns.*", subj)

	subj, err = streamSubject("demo")
	require.NoError(t, err)
	assert.Equal(t, "txns.demo", subj)

	addr := testAddress(4)
	subj, err = streamSubject(addr)
	require.NoError(t, err)
	assert.Equal(t, "txns."+addr, subj)

	_, err = streamSubject("bogus")
	assert.ErrorIs(t, err, registry.ErrInvalidAddress)
}
