package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

// runApp runs the CLI against serverURL and returns stdout and stderr.
func runApp(t *testing.T, serverURL string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	argv := append([]string{"gatewatch", "--server-url", serverURL}, args...)
	err := app.Run(argv)
	return stdout.String(), stderr.String(), err
}

func TestWalletAddCommand(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST /api/v1/wallets", r.Method+" "+r.URL.Path)
		var req struct {
			Address string `json:"address"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Wa11et1", req.Address)

		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusCreated, map[string]any{"success": true, "wallet": map[string]any{"address": req.Address, "status": "starting"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "already_monitored": true, "wallet": map[string]any{"address": req.Address, "status": "active"}})
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "wallet", "add", "Wa11et1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Monitoring Wa11et1")

	out, _, err = runApp(t, server.URL, "wallet", "add", "Wa11et1")
	require.NoError(t, err)
	assert.Contains(t, out, "already monitored (status: active)")
}

func TestWalletAddCommand_RequiresAddress(t *testing.T) {
	_, _, err := runApp(t, "http://127.0.0.1:1", "wallet", "add")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one wallet address")
}

func TestWalletRemoveCommand_NotMonitored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "wallet not monitored"})
	}))
	defer server.Close()

	_, _, err := runApp(t, server.URL, "wallet", "rm", "Gone")
	require.Error(t, err)
	assert.Equal(t, "wallet Gone is not monitored", err.Error())
}

func TestWalletListCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"wallets": []map[string]any{
				{"address": "AAA", "status": "active", "added_at": "2025-01-01T00:00:00Z"},
				{"address": "BBB", "status": "error", "added_at": "2025-01-02T00:00:00Z", "last_error": "rpc timeout"},
			},
			"count": 2,
		})
	}))
	defer server.Close()

	t.Run("table", func(t *testing.T) {
		out, _, err := runApp(t, server.URL, "wallet", "ls")
		require.NoError(t, err)
		assert.Contains(t, out, "ADDRESS")
		assert.Contains(t, out, "AAA")
		assert.Contains(t, out, "rpc timeout")
	})

	t.Run("json", func(t *testing.T) {
		out, _, err := runApp(t, server.URL, "--json", "wallet", "list")
		require.NoError(t, err)
		var wallets []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &wallets))
		assert.Len(t, wallets, 2)
	})

	t.Run("jq", func(t *testing.T) {
		out, _, err := runApp(t, server.URL, "--jq", `.[] | select(.status == "error") | .address`, "wallet", "list")
		require.NoError(t, err)
		assert.Equal(t, "BBB\n", out)
	})

	t.Run("bad jq", func(t *testing.T) {
		_, _, err := runApp(t, server.URL, "--jq", ".[", "wallet", "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid jq expression")
	})
}

func TestWalletListCommand_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"wallets": []any{}, "count": 0})
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "wallet", "list")
	require.NoError(t, err)
	assert.Equal(t, "No wallets monitored\n", out)
}

func TestTransactionsCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/transactions", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "demo", q.Get("origin"))
		assert.Equal(t, "5", q.Get("limit"))
		since, err := time.Parse(time.RFC3339, q.Get("since"))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(-time.Hour), since, time.Minute)

		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": []map[string]any{{
				"signature":       "5VERYLONGSIGNATUREVALUEFORTESTING",
				"delivery_method": "jito",
				"origin":          "demo",
				"cost_lamports":   1_005_000,
				"success":         true,
				"timestamp":       "2025-01-01T00:00:00Z",
			}},
		})
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "txns", "--origin", "demo", "--since", "1h", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "5VERYLON…RTESTING")
	assert.Contains(t, out, "jito")
	assert.Contains(t, out, "0.001005000")
}

func TestDemoStartCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]int{"count": 4}, body)
		writeJSON(w, http.StatusAccepted, demo.StartResult{Accepted: true, RunID: "run-1", Count: 4, IntervalMs: 3000, EstimatedDurationSeconds: 12})
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "demo", "start", "--count", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Demo run-1 started: 4 transactions every 3000ms (~12s)")
}

func TestDemoStartCommand_Wait(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/demo":
			writeJSON(w, http.StatusAccepted, demo.StartResult{Accepted: true, RunID: "run-2", Count: 2, IntervalMs: 1000, EstimatedDurationSeconds: 2})
		case "/api/v1/demo/status":
			n := int(polls.Add(1))
			if n > 2 {
				n = 2
			}
			writeJSON(w, http.StatusOK, demo.Status{RunID: "run-2", IsRunning: n < 2, Progress: n, Total: 2, Succeeded: n, Percentage: float64(n) * 50})
		}
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "demo", "start", "--wait", "--poll", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "1/2 (50%)")
	assert.Contains(t, out, "2/2 (100%)")
	assert.Contains(t, out, "run-2 (finished)")
}

func TestDemoStartCommand_AlreadyRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "error": "demo already running", "progress": 1, "total": 5})
	}))
	defer server.Close()

	_, _, err := runApp(t, server.URL, "demo", "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demo already running")
	assert.Contains(t, err.Error(), "(1/5)")
}

func TestDemoStatusCommand_NoRuns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, demo.Status{})
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "demo", "status")
	require.NoError(t, err)
	assert.Equal(t, "No demo has run yet\n", out)
}

func TestAnalyticsCommands(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/analytics/overview":
			writeJSON(w, http.StatusOK, map[string]any{
				"total_transactions": 4, "successful_transactions": 3, "failed_transactions": 1,
				"success_rate": 75.0, "has_data": true,
			})
		case "/api/v1/analytics/trends":
			q := r.URL.Query()
			assert.Equal(t, "cost_sol", q.Get("metric"))
			assert.Equal(t, "day", q.Get("bucket"))
			assert.Equal(t, "3", q.Get("buckets"))
			writeJSON(w, http.StatusOK, map[string]any{
				"metric": "cost_sol", "bucket": "day",
				"points": []map[string]any{{"value": 0.1}, {"value": 0}, {"value": 0.25}},
			})
		case "/api/v1/analytics/delivery-methods":
			assert.Equal(t, "wallet", r.URL.Query().Get("origin"))
			writeJSON(w, http.StatusOK, map[string]any{
				"methods":            []map[string]any{{"method": "rpc", "count": 4, "count_share": 100.0}},
				"total_transactions": 4,
			})
		case "/api/v1/analytics/cost-comparison":
			writeJSON(w, http.StatusOK, map[string]any{
				"baseline":        "rpc",
				"methods":         []map[string]any{{"method": "rpc", "count": 4, "vs_baseline_pct": 0.0}},
				"cheapest_method": "rpc",
			})
		}
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "analytics", "overview")
	require.NoError(t, err)
	assert.Contains(t, out, "4 (3 ok, 1 failed)")
	assert.Contains(t, out, "75.0%")

	out, _, err = runApp(t, server.URL, "--jq", ".points | length", "stats", "trends", "--metric", "cost_sol", "--bucket", "day", "--buckets", "3")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, _, err = runApp(t, server.URL, "analytics", "methods", "--origin", "wallet")
	require.NoError(t, err)
	assert.Contains(t, out, "rpc")
	assert.Contains(t, out, "100.0%")

	out, _, err = runApp(t, server.URL, "analytics", "costs")
	require.NoError(t, err)
	assert.Contains(t, out, "VS RPC")
	assert.Contains(t, out, "+0.0%")
	assert.Contains(t, out, "Cheapest: rpc")
}

func TestAnalyticsOverview_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"has_data": false})
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "analytics", "overview")
	require.NoError(t, err)
	assert.Equal(t, "No transactions recorded yet\n", out)
}

func TestServerHealthCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "server", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy")
}

func TestServerHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, _, err := runApp(t, server.URL, "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server is unhealthy")
}

func TestServerVersionCommand(t *testing.T) {
	version, commit, date = "1.0.0", "abc123", "2025-10-10"
	t.Cleanup(func() { version, commit, date = "dev", "none", "unknown" })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": "0.9.0"})
	}))
	defer server.Close()

	out, _, err := runApp(t, server.URL, "server", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gatewatch 1.0.0")
	assert.Contains(t, out, "Commit: abc123")
	assert.Contains(t, out, "Server: 0.9.0")
}

func TestDBCommands_RequireDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	for _, sub := range []string{"migrate", "wallets", "transactions"} {
		_, _, err := runApp(t, "http://127.0.0.1:1", "db", sub)
		require.Error(t, err, sub)
		assert.True(t, strings.Contains(err.Error(), "database-url is required"), sub)
	}
}
