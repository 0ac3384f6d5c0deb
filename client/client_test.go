package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/gatewatch/service/demo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAddWallet_CreatedAndExisting(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/wallets", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Wallet111", body["address"])

		status := http.StatusCreated
		if calls.Add(1) > 1 {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"success":           true,
			"already_monitored": status == http.StatusOK,
			"wallet":            map[string]any{"address": "Wallet111", "status": "starting"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	res, err := c.AddWallet(context.Background(), "Wallet111")
	require.NoError(t, err)
	assert.False(t, res.AlreadyMonitored)
	assert.Equal(t, "starting", res.Wallet.Status)

	res, err = c.AddWallet(context.Background(), "Wallet111")
	require.NoError(t, err)
	assert.True(t, res.AlreadyMonitored)
}

func TestAddWallet_BadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wallet address"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).AddWallet(context.Background(), "bad")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "invalid wallet address")
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestRemoveWallet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Path == "/api/v1/wallets/Known" {
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "wallet not monitored"})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	assert.NoError(t, c.RemoveWallet(context.Background(), "Known"))

	err := c.RemoveWallet(context.Background(), "Unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWallets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"wallets": []map[string]any{
				{"address": "B", "status": "active", "added_at": "2025-01-01T00:00:00Z"},
				{"address": "A", "status": "error", "last_error": "rpc timeout"},
			},
			"count": 2,
		})
	}))
	defer server.Close()

	wallets, err := NewClient(server.URL, nil, nil).ListWallets(context.Background())
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, "B", wallets[0].Address)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), wallets[0].AddedAt)
	require.NotNil(t, wallets[1].LastError)
	assert.Equal(t, "rpc timeout", *wallets[1].LastError)
}

func TestListTransactions_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "W1", q.Get("wallet"))
		assert.Equal(t, "wallet", q.Get("origin"))
		assert.Equal(t, "2025-01-01T00:00:00Z", q.Get("since"))
		assert.Equal(t, "", q.Get("until"))
		assert.Equal(t, "5", q.Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": []map[string]any{{"signature": "s1", "delivery_method": "jito", "cost_lamports": 6000}},
		})
	}))
	defer server.Close()

	txns, err := NewClient(server.URL, nil, nil).ListTransactions(context.Background(), TransactionQuery{
		Wallet: "W1",
		Origin: "wallet",
		Since:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, uint64(6000), txns[0].CostLamports)
}

func TestStartDemo_OmitsZeroParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasCount := body["count"]
		assert.False(t, hasCount)
		assert.Equal(t, 2000, body["interval"])
		writeJSON(w, http.StatusAccepted, demo.StartResult{Accepted: true, Count: 10, IntervalMs: 2000, EstimatedDurationSeconds: 20})
	}))
	defer server.Close()

	res, err := NewClient(server.URL, nil, nil).StartDemo(context.Background(), 0, 2000)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 20.0, res.EstimatedDurationSeconds)
}

func TestStartDemo_AlreadyRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"accepted": false,
			"error":    "demo already running",
			"progress": 3,
			"total":    8,
		})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).StartDemo(context.Background(), 5, 1000)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.Progress)
	assert.Equal(t, 3, *apiErr.Progress)
	assert.Equal(t, 8, *apiErr.Total)
	assert.Contains(t, err.Error(), "(3/8)")
}

func TestWaitForDemo(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/demo/status", r.URL.Path)
		n := int(polls.Add(1))
		writeJSON(w, http.StatusOK, demo.Status{IsRunning: n < 3, Progress: n, Total: 3})
	}))
	defer server.Close()

	var seen []int
	st, err := NewClient(server.URL, nil, nil).WaitForDemo(context.Background(), time.Millisecond, func(s *demo.Status) {
		seen = append(seen, s.Progress)
	})
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
	assert.Equal(t, 3, st.Progress)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestAnalytics_Paths(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/analytics/overview":
			assert.Equal(t, "demo", r.URL.Query().Get("origin"))
			writeJSON(w, http.StatusOK, map[string]any{"total_transactions": 4, "success_rate": 75.0})
		case "/api/v1/analytics/trends":
			q := r.URL.Query()
			assert.Equal(t, "tips_sol", q.Get("metric"))
			assert.Equal(t, "day", q.Get("bucket"))
			assert.Equal(t, "7", q.Get("buckets"))
			writeJSON(w, http.StatusOK, map[string]any{"metric": "tips_sol", "points": make([]map[string]any, 7)})
		case "/api/v1/analytics/delivery-methods":
			writeJSON(w, http.StatusOK, map[string]any{"total_transactions": 4})
		case "/api/v1/analytics/cost-comparison":
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute cost comparison"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	snap, err := c.Overview(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 4, snap.TotalTransactions)
	assert.Equal(t, 75.0, snap.SuccessRate)

	series, err := c.Trends(ctx, TrendQuery{Metric: "tips_sol", Bucket: "day", Buckets: 7})
	require.NoError(t, err)
	assert.Len(t, series.Points, 7)

	b, err := c.DeliveryMethods(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, b.TotalTransactions)

	_, err = c.CostComparison(ctx, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestHealthAndVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte("OK"))
		case "/version":
			writeJSON(w, http.StatusOK, map[string]string{"version": "v1.2.3"})
		}
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", nil, nil)
	assert.NoError(t, c.Health(context.Background()))
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", v)
}

func TestNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewClient(server.URL, nil, nil).Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}
