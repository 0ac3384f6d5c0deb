package client

import (
	"context"
	"net/http"
	"time"

	"github.com/brojonat/gatewatch/service/demo"
)

// StartDemo starts a synthetic run. Zero count or intervalMs lets the server
// apply its defaults.
func (c *Client) StartDemo(ctx context.Context, count, intervalMs int) (*demo.StartResult, error) {
	req := map[string]int{}
	if count != 0 {
		req["count"] = count
	}
	if intervalMs != 0 {
		req["interval"] = intervalMs
	}

	var out demo.StartResult
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/demo", req, &out, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &out, nil
}

// DemoStatus returns the current or most recent run.
func (c *Client) DemoStatus(ctx context.Context) (*demo.Status, error) {
	var out demo.Status
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/demo/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForDemo polls the run status every interval until it stops running.
// onProgress, when set, sees every status fetched.
func (c *Client) WaitForDemo(ctx context.Context, interval time.Duration, onProgress func(*demo.Status)) (*demo.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.DemoStatus(ctx)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(st)
		}
		if !st.IsRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
