package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/brojonat/gatewatch/service/analytics"
)

// TrendQuery selects a series. Empty fields use server defaults.
type TrendQuery struct {
	Metric  string
	Bucket  string
	Buckets int
	Origin  string
}

func originQuery(origin string) string {
	if origin == "" {
		return ""
	}
	return "?" + url.Values{"origin": {origin}}.Encode()
}

// Overview returns headline aggregates, optionally for one origin.
func (c *Client) Overview(ctx context.Context, origin string) (*analytics.Snapshot, error) {
	var out analytics.Snapshot
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/analytics/overview"+originQuery(origin), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Trends(ctx context.Context, q TrendQuery) (*analytics.TrendSeries, error) {
	v := url.Values{}
	if q.Metric != "" {
		v.Set("metric", q.Metric)
	}
	if q.Bucket != "" {
		v.Set("bucket", q.Bucket)
	}
	if q.Buckets > 0 {
		v.Set("buckets", strconv.Itoa(q.Buckets))
	}
	if q.Origin != "" {
		v.Set("origin", q.Origin)
	}
	path := "/api/v1/analytics/trends"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var out analytics.TrendSeries
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeliveryMethods(ctx context.Context, origin string) (*analytics.Breakdown, error) {
	var out analytics.Breakdown
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/analytics/delivery-methods"+originQuery(origin), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CostComparison(ctx context.Context, origin string) (*analytics.CostComparison, error) {
	var out analytics.CostComparison
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/analytics/cost-comparison"+originQuery(origin), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
