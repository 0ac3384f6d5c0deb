package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/brojonat/gatewatch/service/demo"
)

// DemoRunner is the part of *demo.Driver the handlers use.
type DemoRunner interface {
	Start(count, intervalMs int) (*demo.StartResult, error)
	Status() demo.Status
}

// handleStartDemo launches a synthetic transaction run.
// POST /api/v1/demo {"count": 10, "interval": 3000}
func handleStartDemo(runner DemoRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Count    *int `json:"count"`
			Interval *int `json:"interval"`
		}
		if !decodeBody(w, r, &req, true, logger) {
			return
		}

		count, interval := demo.DefaultCount, demo.DefaultIntervalMs
		if req.Count != nil {
			count = *req.Count
		}
		if req.Interval != nil {
			interval = *req.Interval
		}

		res, err := runner.Start(count, interval)
		if err != nil {
			var running *demo.AlreadyRunningError
			switch {
			case errors.As(err, &running):
				writeJSON(w, map[string]any{
					"accepted": false,
					"error":    "demo already running",
					"run_id":   running.RunID,
					"progress": running.Progress,
					"total":    running.Total,
				}, http.StatusBadRequest)
			case errors.Is(err, demo.ErrInvalidArgument):
				writeError(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, demo.ErrNotConfigured), errors.Is(err, demo.ErrClosed):
				writeError(w, err.Error(), http.StatusServiceUnavailable)
			default:
				logger.ErrorContext(r.Context(), "failed to start demo", "error", err)
				writeError(w, "failed to start demo", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, res, http.StatusAccepted)
	})
}

// handleDemoStatus reports the current or most recent run.
// GET /api/v1/demo/status
func handleDemoStatus(runner DemoRunner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, runner.Status(), http.StatusOK)
	})
}
